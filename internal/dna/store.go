package dna

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the canonical DNA instance. It is single-writer: Commit
// serializes all mutations behind a write lock, and readers always get a
// deep clone, never a reference into a partially updated structure.
type Store struct {
	mu     sync.RWMutex
	live   *DNA
	path   string
	logger *slog.Logger
}

// NewStore loads DNA from dataDir, or starts at generation zero with traits
// seeded from the bounds manifest when no state file exists yet.
func NewStore(dataDir string, bounds *Bounds, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create dna directory: %w", err)
	}

	s := &Store{
		path:   filepath.Join(dataDir, "dna.json"),
		logger: logger.With("component", "dna"),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var d DNA
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse dna state: %w", err)
		}
		d.normalize()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("stored dna is inconsistent: %w", err)
		}
		s.live = &d
		s.logger.Info("dna loaded", "generation", d.Generation, "traits", len(d.CoreTraits))
	case os.IsNotExist(err):
		d := Default()
		if bounds != nil {
			d.CoreTraits = bounds.SeedTraits()
		}
		s.live = d
		if err := s.persist(d); err != nil {
			return nil, err
		}
		s.logger.Info("dna initialized", "traits", len(d.CoreTraits))
	default:
		return nil, fmt.Errorf("read dna state: %w", err)
	}

	return s, nil
}

// Read returns a deep clone of the live DNA, safe to inspect concurrently
// with writers.
func (s *Store) Read() (*DNA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Clone()
}

// Generation returns the current generation without cloning.
func (s *Store) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Generation
}

// AutonomyLevel returns the current autonomy level.
func (s *Store) AutonomyLevel() AutonomyLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.AutonomyLevel
}

// Trait returns one trait value and whether it exists.
func (s *Store) Trait(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.live.CoreTraits[name]
	return v, ok
}

// Commit runs fn against a clone of the live DNA, validates the result, and
// atomically swaps it in after persisting. If fn returns an error or the
// result violates the generation invariant, the live DNA is untouched — this
// is the crash-consistency commit point: the state file is replaced via
// rename, so an interrupted commit leaves the pre-apply state on disk.
func (s *Store) Commit(fn func(*DNA) error) (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.live.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone dna: %w", err)
	}

	if err := fn(next); err != nil {
		return nil, err
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("commit would violate dna invariants: %w", err)
	}

	if err := s.persist(next); err != nil {
		return nil, fmt.Errorf("persist dna: %w", err)
	}

	s.live = next
	return next.Clone()
}

// SetAutonomyLevel changes the autonomy policy level. This is an operator
// action, not a mutation, so the generation does not move.
func (s *Store) SetAutonomyLevel(level AutonomyLevel) error {
	_, err := s.Commit(func(d *DNA) error {
		switch level {
		case AutonomyManual, AutonomySupervised, AutonomyAutonomous:
			d.AutonomyLevel = level
			return nil
		}
		return fmt.Errorf("unknown autonomy level: %q", level)
	})
	return err
}

// persist writes DNA to a temp file and renames it over the state file.
// Caller must hold the write lock (or be the constructor).
func (s *Store) persist(d *DNA) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dna: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write dna temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace dna state file: %w", err)
	}
	return nil
}
