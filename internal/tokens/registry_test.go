package tokens

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 7, 20, 12, 0, 0, 0, time.UTC)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func expiringIn(t *testing.T, d time.Duration, sub string) string {
	return signed(t, jwt.MapClaims{"sub": sub, "exp": now.Add(d).Unix()})
}

func newRegistry() *Registry {
	r := NewRegistry(nil)
	r.now = func() time.Time { return now }
	return r
}

func TestParseExpiry(t *testing.T) {
	exp, err := ParseExpiry(expiringIn(t, 48*time.Hour, "a"))
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour).Unix(), exp.Unix())

	exp, err = ParseExpiry(signed(t, jwt.MapClaims{"sub": "no-exp"}))
	require.NoError(t, err)
	assert.True(t, exp.Equal(time.Unix(0, 0)))

	_, err = ParseExpiry("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiredWithinThreshold(t *testing.T) {
	assert.True(t, Token{ExpiresAt: now.Add(23 * time.Hour)}.Expired(now))
	assert.False(t, Token{ExpiresAt: now.Add(25 * time.Hour)}.Expired(now))
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	good := expiringIn(t, 72*time.Hour, "a")
	added, err := r.AddBatch(ctx, []string{"  " + good + "  ", "", "garbage", good, expiringIn(t, time.Hour, "b")})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, good, added[0].Token)
	assert.False(t, added[0].IsExpired)
	assert.Equal(t, now.Add(72*time.Hour).Unix(), added[0].ExpTime)
	assert.Equal(t, now.Add(72*time.Hour).In(displayZone).Format(time.DateTime), added[0].ExpTimeBeijing)
	assert.True(t, added[1].IsExpired)

	again, err := r.AddBatch(ctx, []string{good})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestListPaginatesAfterCleanup(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	var raw []string
	for i := 0; i < 20; i++ {
		raw = append(raw, expiringIn(t, 48*time.Hour, fmt.Sprint(i)))
	}
	raw = append(raw, expiringIn(t, time.Hour, "stale"))
	_, err := r.AddBatch(ctx, raw)
	require.NoError(t, err)

	p, err := r.List(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Total)
	assert.Equal(t, DefaultPerPage, p.PerPage)
	assert.Equal(t, 2, p.TotalPages)
	assert.Len(t, p.Tokens, 15)

	p, err = r.List(ctx, 2, 15)
	require.NoError(t, err)
	assert.Len(t, p.Tokens, 5)

	p, err = r.List(ctx, 9, 15)
	require.NoError(t, err)
	assert.Empty(t, p.Tokens)
	assert.NotNil(t, p.Tokens)
}

func TestDeleteAndCleanup(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	added, err := r.AddBatch(ctx, []string{expiringIn(t, 48*time.Hour, "a"), expiringIn(t, time.Hour, "b")})
	require.NoError(t, err)
	require.Len(t, added, 2)

	require.NoError(t, r.Delete(ctx, added[0].ID))
	assert.True(t, IsNotFound(r.Delete(ctx, added[0].ID)))

	n, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	p, err := r.List(ctx, 1, 15)
	require.NoError(t, err)
	assert.Zero(t, p.Total)
}

func TestActiveRefreshTokens(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	a := expiringIn(t, 48*time.Hour, "a")
	b := expiringIn(t, 96*time.Hour, "b")
	_, err := r.AddBatch(ctx, []string{a, expiringIn(t, time.Hour, "stale"), b})
	require.NoError(t, err)

	active, err := r.ActiveRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, active)
}

func TestCleanupScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewCleanupScheduler(newRegistry(), "not a schedule")
	assert.Error(t, s.Start(ctx))

	s = NewCleanupScheduler(newRegistry(), "")
	require.NoError(t, s.Start(ctx))
	require.Len(t, s.cron.Entries(), 1)
	s.Stop()
	s.Stop()
}
