package tokens

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultCleanupSchedule runs the expiry sweep once a day.
const DefaultCleanupSchedule = "@every 24h"

// CleanupScheduler runs Registry.Cleanup on a cron schedule.
type CleanupScheduler struct {
	registry *Registry
	schedule string
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

func NewCleanupScheduler(registry *Registry, schedule string) *CleanupScheduler {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	return &CleanupScheduler{registry: registry, schedule: schedule, cron: cron.New()}
}

// Start validates the schedule and begins sweeping until ctx is done.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule token cleanup: %w", err)
	}
	s.cron.Start()
	s.running = true
	log.Info().Str("schedule", s.schedule).Msg("token cleanup scheduled")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *CleanupScheduler) run(ctx context.Context) {
	if _, err := s.registry.Cleanup(ctx); err != nil {
		log.Error().Err(err).Msg("scheduled token cleanup failed")
	}
}

// Stop halts the scheduler and waits for a running sweep.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
