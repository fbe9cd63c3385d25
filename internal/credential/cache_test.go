package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *countingFetcher) FetchAccessToken(_ context.Context, refresh string) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("access-%s-%d", refresh, n), nil
}

func TestCacheReusesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	f := &countingFetcher{}
	c := NewCache(f, store, time.Minute)

	tok, err := c.AccessToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "access-r1-1", tok)

	now = now.Add(59 * time.Second)
	tok, err = c.AccessToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "access-r1-1", tok)
	assert.EqualValues(t, 1, f.calls.Load())

	// Valid strictly before expiresAt.
	now = now.Add(time.Second)
	tok, err = c.AccessToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "access-r1-2", tok)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestCacheKeyedByRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := &countingFetcher{}
	c := NewCache(f, nil, time.Minute)

	a, err := c.AccessToken(ctx, "r1")
	require.NoError(t, err)
	b, err := c.AccessToken(ctx, "r2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestCacheFetchError(t *testing.T) {
	boom := errors.New("status 401")
	var seen error
	c := NewCache(&countingFetcher{err: boom}, nil, time.Minute)
	c.OnFetch = func(err error) { seen = err }

	_, err := c.AccessToken(context.Background(), "r1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	f := &countingFetcher{delay: 50 * time.Millisecond}
	c := NewCache(f, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AccessToken(context.Background(), "r1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	rs, err := NewRedisStore(ctx, mr.Addr())
	require.NoError(t, err)
	defer rs.Close()

	f := &countingFetcher{}
	c := NewCache(f, rs, 30*time.Second)

	tok, err := c.AccessToken(ctx, "r1")
	require.NoError(t, err)

	// A second gateway sharing the same Redis sees the token.
	rs2, err := NewRedisStore(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rs2.Close()
	tok2, err := NewCache(f, rs2, 30*time.Second).AccessToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.EqualValues(t, 1, f.calls.Load())

	assert.False(t, mr.Exists(redisKeyPrefix+"r1"), "refresh token must not appear in keys")
	assert.True(t, mr.Exists(redisKeyPrefix+cacheKey("r1")))

	mr.FastForward(31 * time.Second)
	_, ok, err := rs.Get(ctx, cacheKey("r1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		url      string
		addr     string
		password string
		db       int
		tls      bool
	}{
		{"localhost:6379", "localhost:6379", "", 0, false},
		{"redis://:pass@localhost:6379/1", "localhost:6379", "pass", 1, false},
		{"rediss://cache.internal:6380/2", "cache.internal:6380", "", 2, true},
	}
	for _, tt := range tests {
		opts, err := redisOptions(tt.url)
		require.NoErrorf(t, err, "redisOptions(%q)", tt.url)
		assert.Equalf(t, tt.addr, opts.Addr, "%q addr", tt.url)
		assert.Equalf(t, tt.password, opts.Password, "%q password", tt.url)
		assert.Equalf(t, tt.db, opts.DB, "%q db", tt.url)
		assert.Equalf(t, tt.tls, opts.TLSConfig != nil, "%q tls", tt.url)
	}

	_, err := redisOptions("http://localhost")
	assert.Error(t, err)
}
