package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPerPage = 15

type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{store: store, now: time.Now}
}

// AddBatch registers every parsable, not yet known token. Blank and
// unparsable entries are skipped.
func (r *Registry) AddBatch(ctx context.Context, raw []string) ([]View, error) {
	now := r.now()
	added := make([]View, 0, len(raw))
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		exp, err := ParseExpiry(value)
		if err != nil {
			log.Debug().Err(err).Msg("skipping unparsable refresh token")
			continue
		}
		tok, inserted, err := r.store.Insert(ctx, Token{Value: value, ExpiresAt: exp, CreatedAt: now})
		if err != nil {
			return added, fmt.Errorf("insert token: %w", err)
		}
		if inserted {
			added = append(added, tok.View(now))
		}
	}
	return added, nil
}

type Page struct {
	Tokens     []View `json:"tokens"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalPages int    `json:"total_pages"`
}

// List purges expired tokens and returns one page of the rest.
func (r *Registry) List(ctx context.Context, page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if _, err := r.Cleanup(ctx); err != nil {
		return Page{}, err
	}
	all, err := r.store.List(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("list tokens: %w", err)
	}

	now := r.now()
	out := Page{
		Tokens:     []View{},
		Total:      len(all),
		Page:       page,
		PerPage:    perPage,
		TotalPages: (len(all) + perPage - 1) / perPage,
	}
	start := (page - 1) * perPage
	if start >= len(all) {
		return out, nil
	}
	end := min(start+perPage, len(all))
	for _, t := range all[start:end] {
		out.Tokens = append(out.Tokens, t.View(now))
	}
	return out, nil
}

func (r *Registry) Delete(ctx context.Context, id int64) error {
	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes tokens that expire within ExpiryThreshold.
func (r *Registry) Cleanup(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiringBefore(ctx, r.now().Add(ExpiryThreshold))
	if err != nil {
		return 0, fmt.Errorf("cleanup tokens: %w", err)
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("removed expired refresh tokens")
	}
	return n, nil
}

// ActiveRefreshTokens returns the non-expired tokens in insertion order.
func (r *Registry) ActiveRefreshTokens(ctx context.Context) ([]string, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	active := make([]string, 0, len(all))
	for _, t := range all {
		if !t.Expired(now) {
			active = append(active, t.Value)
		}
	}
	return active, nil
}

// IsNotFound reports whether err means the token does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
