package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBackend marks a persistence backend failure. Callers never see it from
// Load or Set: the store logs it and keeps serving in-memory values.
var ErrBackend = errors.New("config backend error")

// saveTimeout bounds a fire-and-forget persistence write.
const saveTimeout = 5 * time.Second

// Backend persists the override tree.
type Backend interface {
	// Load returns the stored tree, or nil when nothing has been stored yet.
	Load(ctx context.Context) (Tree, error)
	// Save overwrites the stored tree wholesale.
	Save(ctx context.Context, t Tree) error
}

// Store is the configuration of one process: loaded once, mutated via Set,
// persisted on every mutation.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	tree   Tree
	loaded bool

	// One writer drains pending; a newer snapshot replaces an unwritten one.
	saveMu  sync.Mutex
	pending Tree
	writing bool
	saves   sync.WaitGroup
}

// NewStore creates a store over backend. A nil backend keeps everything in memory.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  slog.Default().With("component", "config"),
	}
}

// Load merges stored overrides onto the defaults. Backend failures degrade to
// defaults; Load itself never fails.
func (s *Store) Load(ctx context.Context) Config {
	var stored Tree
	if s.backend != nil {
		t, err := s.backend.Load(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "config load failed, using defaults",
				"error", fmt.Errorf("%w: %w", ErrBackend, err))
		} else {
			stored = t
		}
	}

	merged := Merge(ToTree(Defaults()), stored)

	s.mu.Lock()
	s.tree = merged
	s.loaded = true
	s.mu.Unlock()

	return s.Config()
}

// Get resolves a dotted path against the loaded tree, or the defaults when
// nothing has been loaded yet.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ToTree(Defaults()).Get(path)
	}
	return s.tree.Get(path)
}

// Set stores value at path and persists the tree without waiting for the
// write. Only a malformed path is reported.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		s.Load(ctx)
	}

	s.mu.Lock()
	if err := s.tree.Set(path, value); err != nil {
		s.mu.Unlock()
		return err
	}
	// Queued under mu so snapshots reach the writer in mutation order.
	s.persist(s.tree.Clone())
	s.mu.Unlock()
	return nil
}

// persist hands snapshot to the background writer, starting it if idle.
func (s *Store) persist(snapshot Tree) {
	if s.backend == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.pending = snapshot
	if s.writing {
		return
	}
	s.writing = true
	s.saves.Add(1)
	go s.writeLoop()
}

// writeLoop saves the newest pending snapshot until none is left. Failures
// are logged, never retried.
func (s *Store) writeLoop() {
	defer s.saves.Done()
	for {
		s.saveMu.Lock()
		snapshot := s.pending
		s.pending = nil
		if snapshot == nil {
			s.writing = false
			s.saveMu.Unlock()
			return
		}
		s.saveMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := s.backend.Save(ctx, snapshot); err != nil {
			s.logger.WarnContext(ctx, "config save failed",
				"error", fmt.Errorf("%w: %w", ErrBackend, err))
		}
		cancel()
	}
}

// Flush waits until the newest snapshot has been written.
func (s *Store) Flush() {
	s.saves.Wait()
}

// Tree returns a copy of the current merged tree.
func (s *Store) Tree() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ToTree(Defaults())
	}
	return s.tree.Clone()
}

// Config returns the typed view of the current tree. A tree that no longer
// decodes (for example a scalar set where an object belongs) yields defaults.
func (s *Store) Config() Config {
	c, err := FromTree(s.Tree())
	if err != nil {
		s.logger.Warn("config tree does not match schema, using defaults", "error", err)
	}
	return c
}

// Public returns the public-safe configuration subset.
func (s *Store) Public() PublicConfig {
	return s.Config().Public()
}
