// Package memory is an in-process AccountStore used by tests and by the
// "memory" storage backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridehub.io/internal/auth"
)

var _ auth.AccountStore = (*Store)(nil)

// Store keeps accounts in maps guarded by a mutex. Returned accounts are
// copies; callers cannot mutate stored state.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*auth.Account
	byEmail map[string]string
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:    make(map[string]*auth.Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Insert(_ context.Context, acc *auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[acc.Email]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := s.byID[acc.ID]; ok {
		return auth.ErrAlreadyExists
	}
	cp := *acc
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

func (s *Store) FindByEmail(_ context.Context, email string) (*auth.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	acc.PasswordHash = passwordHash
	acc.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) UpdateProfile(_ context.Context, id string, upd auth.ProfileUpdate) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		acc.Name = *upd.Name
	}
	if upd.Phone != nil {
		acc.Phone = *upd.Phone
	}
	acc.UpdatedAt = s.now().UTC()
	cp := *acc
	return &cp, nil
}

func (s *Store) SetKYC(_ context.Context, id string, kyc auth.KYC) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	acc.KYC = kyc
	acc.UpdatedAt = s.now().UTC()
	cp := *acc
	return &cp, nil
}

// Delete removes an account. It exists so operators and tests can exercise
// sessions that outlive their account.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.byEmail, acc.Email)
	delete(s.byID, id)
	return nil
}

// List returns accounts ordered by creation time.
func (s *Store) List(context.Context) ([]*auth.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.Account, 0, len(s.byID))
	for _, acc := range s.byID {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
