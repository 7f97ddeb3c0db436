package secrets

import (
	"context"
	"sync"

	"github.com/lattice-run/lattice/internal/capability"
)

// Stub is an in-memory SecretStore for local development and tests.
type Stub struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStub() *Stub {
	return &Stub{values: make(map[string]string)}
}

var _ capability.SecretStore = (*Stub)(nil)

func (s *Stub) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok {
		return "", &capability.ErrNotFound{Resource: name}
	}
	return v, nil
}

func (s *Stub) Put(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

func (s *Stub) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}
