package ratchet

import (
	"context"
	"sync"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/store"
)

// Persister loads and saves session snapshots outside the process.
type Persister[S any] interface {
	Load(ctx context.Context, id string) (S, bool, error)
	Save(ctx context.Context, id string, st S) error
	Delete(ctx context.Context, id string) error
}

// Sessions holds the current snapshot per session id. Update runs under a
// per-id lock and stores the returned snapshot only when the callback
// succeeds, so a failed decrypt never advances a chain.
type Sessions[S any] struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	current map[string]S
	persist Persister[S]
}

// NewSessions returns a registry. p may be nil for memory-only sessions.
func NewSessions[S any](p Persister[S]) *Sessions[S] {
	return &Sessions[S]{
		locks:   make(map[string]*sync.Mutex),
		current: make(map[string]S),
		persist: p,
	}
}

func (s *Sessions[S]) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Sessions[S]) load(ctx context.Context, id string) (S, bool, error) {
	s.mu.Lock()
	st, ok := s.current[id]
	s.mu.Unlock()
	if ok || s.persist == nil {
		return st, ok, nil
	}
	return s.persist.Load(ctx, id)
}

// Get returns the snapshot for id or domain.ErrNoSession.
func (s *Sessions[S]) Get(ctx context.Context, id string) (S, error) {
	st, ok, err := s.load(ctx, id)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, domain.ErrNoSession
	}
	return st, nil
}

// Update replaces the snapshot for id with fn's result. exists reports
// whether cur is a stored snapshot or the zero value.
func (s *Sessions[S]) Update(ctx context.Context, id string, fn func(cur S, exists bool) (S, error)) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	cur, ok, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Save(ctx, id, next); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.current[id] = next
	s.mu.Unlock()
	return nil
}

// Delete drops the session for id.
func (s *Sessions[S]) Delete(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	delete(s.current, id)
	s.mu.Unlock()
	if s.persist != nil {
		return s.persist.Delete(ctx, id)
	}
	return nil
}

// KeyStorePersister keeps snapshots as JSON in a SecureKeyStore under
// Prefix+id.
type KeyStorePersister[S any] struct {
	Store  domain.SecureKeyStore
	Prefix string
}

func (p KeyStorePersister[S]) Load(ctx context.Context, id string) (S, bool, error) {
	var st S
	ok, err := store.GetJSON(ctx, p.Store, p.Prefix+id, &st)
	return st, ok, err
}

func (p KeyStorePersister[S]) Save(ctx context.Context, id string, st S) error {
	return store.SetJSON(ctx, p.Store, p.Prefix+id, st)
}

func (p KeyStorePersister[S]) Delete(ctx context.Context, id string) error {
	return p.Store.Delete(ctx, p.Prefix+id)
}
