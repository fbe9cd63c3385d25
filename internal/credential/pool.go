package credential

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Source supplies the refresh credentials that are currently usable, in the
// order they should be rotated. The token registry implements it.
type Source interface {
	ActiveRefreshTokens(ctx context.Context) ([]string, error)
}

// Pool rotates refresh credentials round-robin. The live Source wins; the
// static list is used only when the source fails or has nothing to offer.
type Pool struct {
	source Source
	static []string

	mu     sync.Mutex
	cursor int
}

// NewPool builds a Pool. source may be nil.
func NewPool(source Source, static []string) *Pool {
	tokens := make([]string, 0, len(static))
	for _, t := range static {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return &Pool{source: source, static: tokens}
}

// Next returns the next refresh credential, or false when neither the source
// nor the static list has one.
func (p *Pool) Next(ctx context.Context) (string, bool) {
	active := p.active(ctx)
	if len(active) == 0 {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	token := active[p.cursor%len(active)]
	p.cursor = (p.cursor + 1) % len(active)
	return token, true
}

// Size reports how many credentials the next selection would rotate over.
func (p *Pool) Size(ctx context.Context) int {
	return len(p.active(ctx))
}

func (p *Pool) active(ctx context.Context) []string {
	if p.source != nil {
		tokens, err := p.source.ActiveRefreshTokens(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("token registry unavailable, using configured refresh tokens")
		} else if len(tokens) > 0 {
			return tokens
		}
	}
	return p.static
}
