package sprites

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/protocol"
	"github.com/lattice-run/lattice/pkg/models"
)

// Stub is an in-memory Sprites implementation for local development and
// tests: no network calls, deterministic behavior.
type Stub struct {
	mu      sync.Mutex
	sprites map[string]capability.SpriteInfo
	seq     int
}

// NewStub seeds a stub fleet with n hibernating sprites.
func NewStub(n int) *Stub {
	s := &Stub{sprites: make(map[string]capability.SpriteInfo)}
	for i := 0; i < n; i++ {
		s.seq++
		id := fmt.Sprintf("stub-%d", s.seq)
		s.sprites[id] = capability.SpriteInfo{ID: id, Status: "hibernating", Region: "dev", Image: "lattice/sprite:dev"}
	}
	return s
}

var _ capability.Sprites = (*Stub)(nil)

func (s *Stub) List(ctx context.Context) ([]capability.SpriteInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.SpriteInfo, 0, len(s.sprites))
	for _, v := range s.sprites {
		out = append(out, v)
	}
	return out, nil
}

func (s *Stub) Get(ctx context.Context, id string) (capability.SpriteInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sprites[id]
	if !ok {
		return capability.SpriteInfo{}, &capability.ErrNotFound{Resource: id}
	}
	return v, nil
}

func (s *Stub) Create(ctx context.Context, region, image string) (capability.SpriteInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("stub-%d", s.seq)
	info := capability.SpriteInfo{ID: id, Status: "hibernating", Region: region, Image: image}
	s.sprites[id] = info
	return info, nil
}

func (s *Stub) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sprites[id]; !ok {
		return &capability.ErrNotFound{Resource: id}
	}
	delete(s.sprites, id)
	return nil
}

func (s *Stub) Wake(ctx context.Context, id string) error {
	return s.setStatus(id, "ready")
}

func (s *Stub) Sleep(ctx context.Context, id string) error {
	return s.setStatus(id, "hibernating")
}

func (s *Stub) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sprites[id]
	if !ok {
		return &capability.ErrNotFound{Resource: id}
	}
	v.Status = status
	s.sprites[id] = v
	return nil
}

func (s *Stub) Exec(ctx context.Context, id, cmd string) (capability.ExecResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return capability.ExecResult{}, err
	}
	return capability.ExecResult{ExitCode: 0, Stdout: "stub exec: " + cmd}, nil
}

// ExecWS simulates a streaming session by emitting a deterministic
// phase_started -> info -> completed sequence of real wire-format protocol
// lines through onLine, so callers wired to the Protocol Parser have
// something genuine to parse in tests and local dev.
func (s *Stub) ExecWS(ctx context.Context, id, cmd string, onLine capability.ExecLineFunc) (capability.ExecResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return capability.ExecResult{}, err
	}

	now := time.Now().UTC()
	events := []models.ProtocolEvent{
		{
			ProtocolVersion: "v1", EventType: models.EventPhaseStarted, SpriteID: id,
			Timestamp: now, Payload: map[string]interface{}{"phase": "run"},
		},
		{
			ProtocolVersion: "v1", EventType: models.EventInfo, SpriteID: id,
			Timestamp: now.Add(time.Millisecond), Payload: map[string]interface{}{"message": "stub exec_ws: " + cmd},
		},
		{
			ProtocolVersion: "v1", EventType: models.EventCompleted, SpriteID: id,
			Timestamp: now.Add(2 * time.Millisecond), Payload: map[string]interface{}{"status": "success"},
		},
	}

	var stdout strings.Builder
	for _, e := range events {
		line, err := protocol.Serialize(e)
		if err != nil {
			return capability.ExecResult{}, err
		}
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	return capability.ExecResult{ExitCode: 0, Stdout: stdout.String()}, nil
}

func (s *Stub) FetchLogs(ctx context.Context, id string, lines int) (string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}
	return "stub logs for " + id, nil
}

// FetchOutbox always returns empty: the stub's simulated sessions never
// crash mid-run, so there is nothing to rehydrate.
func (s *Stub) FetchOutbox(ctx context.Context, id string) (string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}
	return "", nil
}

func (s *Stub) RestoreCheckpoint(ctx context.Context, id, checkpointID string, inputs map[string]interface{}) error {
	_, err := s.Get(ctx, id)
	return err
}

func (s *Stub) WriteResumeFile(ctx context.Context, id string, payload []byte) error {
	_, err := s.Get(ctx, id)
	return err
}
