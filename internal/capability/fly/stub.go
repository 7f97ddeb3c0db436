package fly

import (
	"context"
	"sync"

	"github.com/lattice-run/lattice/internal/capability"
)

// Stub is an in-memory Fly implementation for local development and tests.
type Stub struct {
	mu    sync.Mutex
	state map[string]string
}

func NewStub() *Stub {
	return &Stub{state: make(map[string]string)}
}

var _ capability.Fly = (*Stub)(nil)

func (s *Stub) Status(ctx context.Context, app string) (capability.MachineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.state[app]
	if !ok {
		state = "started"
	}
	return capability.MachineStatus{AppName: app, State: state}, nil
}

func (s *Stub) Restart(ctx context.Context, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[app] = "started"
	return nil
}

func (s *Stub) Deploy(ctx context.Context, app, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[app] = "started"
	return nil
}

func (s *Stub) Scale(ctx context.Context, app string, count int) error {
	return nil
}
