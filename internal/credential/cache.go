package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultAccessTTL is how long an access token is reused. Upstream expiry
// hints are ignored.
const DefaultAccessTTL = 300 * time.Second

// Fetcher exchanges a refresh credential for a fresh access token.
type Fetcher interface {
	FetchAccessToken(ctx context.Context, refreshToken string) (string, error)
}

// Store keeps access tokens until they expire.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, accessToken string, ttl time.Duration) error
}

// Cache hands out access tokens keyed by refresh credential, fetching a new
// one on miss or expiry. Concurrent misses for the same credential share a
// single upstream exchange.
type Cache struct {
	fetcher Fetcher
	store   Store
	ttl     time.Duration
	group   singleflight.Group

	// OnFetch is called after every upstream exchange. Optional.
	OnFetch func(err error)
}

func NewCache(fetcher Fetcher, store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{fetcher: fetcher, store: store, ttl: ttl}
}

// AccessToken returns a valid access token for refreshToken.
func (c *Cache) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	key := cacheKey(refreshToken)

	if token, ok, err := c.store.Get(ctx, key); err != nil {
		log.Warn().Err(err).Msg("access token cache lookup failed")
	} else if ok {
		return token, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Shared by every waiter, so one caller going away must not fail the rest.
		ctx := context.WithoutCancel(ctx)
		token, err := c.fetcher.FetchAccessToken(ctx, refreshToken)
		if c.OnFetch != nil {
			c.OnFetch(err)
		}
		if err != nil {
			return "", err
		}
		if err := c.store.Set(ctx, key, token, c.ttl); err != nil {
			log.Warn().Err(err).Msg("access token cache store failed")
		}
		return token, nil
	})
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return v.(string), nil
}

// cacheKey avoids keeping refresh credentials in cache keys.
func cacheKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.token, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, accessToken string, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = memoryEntry{token: accessToken, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}
