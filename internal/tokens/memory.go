package tokens

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is the Store used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens []Token
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Insert(_ context.Context, tok Token) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.Value == tok.Value {
			return t, false, nil
		}
	}
	tok.ID = s.nextID
	s.nextID++
	s.tokens = append(s.tokens, tok)
	return tok, true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tokens), nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tokens)
	s.tokens = slices.DeleteFunc(s.tokens, func(t Token) bool { return t.ID == id })
	return len(s.tokens) < n, nil
}

func (s *MemoryStore) DeleteExpiringBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tokens)
	s.tokens = slices.DeleteFunc(s.tokens, func(t Token) bool { return t.ExpiresAt.Before(cutoff) })
	return int64(n - len(s.tokens)), nil
}
