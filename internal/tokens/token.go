// Package tokens keeps the registry of refresh credentials managed through
// the admin API. Non-expired entries feed the credential pool.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryThreshold is how close to its exp claim a token counts as expired.
const ExpiryThreshold = 24 * time.Hour

var (
	ErrNotFound     = errors.New("token not found")
	ErrInvalidToken = errors.New("invalid refresh token")
)

// displayZone is the backend's home timezone, used for the human-readable
// expiry in listings.
var displayZone = time.FixedZone("UTC+8", 8*60*60)

type Token struct {
	ID        int64
	Value     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether t expires within ExpiryThreshold of now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt.Sub(now) < ExpiryThreshold
}

// View is the listing representation of a token.
type View struct {
	ID             int64  `json:"id"`
	Token          string `json:"token"`
	ExpTime        int64  `json:"exp_time"`
	ExpTimeBeijing string `json:"exp_time_beijing"`
	IsExpired      bool   `json:"is_expired"`
}

func (t Token) View(now time.Time) View {
	return View{
		ID:             t.ID,
		Token:          t.Value,
		ExpTime:        t.ExpiresAt.Unix(),
		ExpTimeBeijing: t.ExpiresAt.In(displayZone).Format(time.DateTime),
		IsExpired:      t.Expired(now),
	}
}

// ParseExpiry reads the exp claim of a JWT without verifying its signature.
// A token without exp is treated as already expired.
func ParseExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if exp == nil {
		return time.Unix(0, 0), nil
	}
	return exp.Time, nil
}

// Store persists tokens in insertion order.
type Store interface {
	// Insert adds tok unless a token with the same value exists. It reports
	// whether a row was added and returns the stored token.
	Insert(ctx context.Context, tok Token) (Token, bool, error)
	List(ctx context.Context) ([]Token, error)
	Delete(ctx context.Context, id int64) (bool, error)
	// DeleteExpiringBefore removes tokens whose expiry is before t.
	DeleteExpiringBefore(ctx context.Context, t time.Time) (int64, error)
}
