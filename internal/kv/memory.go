package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore is the default, process-wide KV implementation: a concurrent
// map guarded by a single mutex, read-optimized via RWMutex. It can
// optionally snapshot itself to disk on a debounce timer so state survives a
// process restart in single-instance deployments; production deployments
// should use the SQL-backed implementation in internal/kv/sqlstore instead.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]interface{}

	snapshotPath string
	saveCh       chan struct{}
	doneCh       chan struct{}
	wg           sync.WaitGroup
}

// NewMemoryStore creates an empty, ready-to-use in-memory KV store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]interface{}),
	}
}

// NewMemoryStoreWithSnapshot creates an in-memory store that debounce-persists
// itself as JSON to path after every mutation, and loads any existing
// snapshot at startup.
func NewMemoryStoreWithSnapshot(path string) *MemoryStore {
	s := &MemoryStore{
		data:         make(map[string]map[string]interface{}),
		snapshotPath: path,
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	s.load()
	s.wg.Add(1)
	go s.saveLoop()
	return s
}

func (s *MemoryStore) Put(_ context.Context, namespace, key string, value interface{}) error {
	s.mu.Lock()
	if s.data[namespace] == nil {
		s.data[namespace] = make(map[string]interface{})
	}
	s.data[namespace][key] = value
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) List(_ context.Context, namespace string) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.data[namespace]
	out := make([]interface{}, 0, len(ns))
	for _, v := range ns {
		out = append(out, v)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	if ns, ok := s.data[namespace]; ok {
		delete(ns, key)
	}
	s.mu.Unlock()
	s.requestSave()
	return nil
}

// Close stops the background save goroutine (if running) and forces a final
// snapshot write.
func (s *MemoryStore) Close() error {
	if s.doneCh == nil {
		return nil
	}
	close(s.doneCh)
	s.wg.Wait()
	return s.save()
}

func (s *MemoryStore) requestSave() {
	if s.saveCh == nil {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces writes: a burst of mutations within 500ms collapses
// into a single snapshot write.
func (s *MemoryStore) saveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.saveCh:
			time.Sleep(500 * time.Millisecond)
			if err := s.save(); err != nil {
				log.Warn().Err(err).Msg("kv: snapshot save failed")
			}
		}
	}
}

func (s *MemoryStore) save() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	buf, err := json.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".lattice-kv-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	tmp.Close()
	return os.Rename(tmp.Name(), s.snapshotPath)
}

func (s *MemoryStore) load() {
	if s.snapshotPath == "" {
		return
	}
	buf, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return
	}
	var data map[string]map[string]interface{}
	if err := json.Unmarshal(buf, &data); err != nil {
		log.Warn().Err(err).Msg("kv: snapshot load failed, starting empty")
		return
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}
