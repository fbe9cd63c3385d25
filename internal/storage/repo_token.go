package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/namikmesic/kimi-gateway/internal/tokens"
)

// TokenStore keeps the refresh-token registry in Postgres.
type TokenStore struct {
	db DB
}

func NewTokenStore(db DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Insert(ctx context.Context, tok tokens.Token) (tokens.Token, bool, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO refresh_tokens (token, expires_at, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
		RETURNING id, created_at`,
		tok.Value, tok.ExpiresAt, tok.CreatedAt,
	).Scan(&tok.ID, &tok.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.byValue(ctx, tok.Value)
		return existing, false, err
	}
	if err != nil {
		return tokens.Token{}, false, err
	}
	return tok, true, nil
}

func (s *TokenStore) byValue(ctx context.Context, value string) (tokens.Token, error) {
	var t tokens.Token
	err := s.db.QueryRow(ctx,
		`SELECT id, token, expires_at, created_at FROM refresh_tokens WHERE token = $1`, value,
	).Scan(&t.ID, &t.Value, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return tokens.Token{}, fmt.Errorf("load token: %w", err)
	}
	return t, nil
}

func (s *TokenStore) List(ctx context.Context) ([]tokens.Token, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, token, expires_at, created_at FROM refresh_tokens ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (tokens.Token, error) {
		var t tokens.Token
		err := row.Scan(&t.ID, &t.Value, &t.ExpiresAt, &t.CreatedAt)
		return t, err
	})
}

func (s *TokenStore) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TokenStore) DeleteExpiringBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
