// Package rollback creates, retains, and restores point-in-time snapshots of
// the DNA store. A rollback is itself a recorded mutation: the generation
// keeps moving forward, history is never rewritten.
package rollback

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/helixdyn/helix/internal/dna"
)

// Snapshot is an immutable, timestamped, checksummed serialization of the
// entire DNA at a point in time.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	DNABlob   []byte    `json:"dna_blob"`
	Checksum  string    `json:"checksum"` // hex BLAKE2b-256 over DNABlob
}

// Meta is the listing view of a snapshot, without the blob.
type Meta struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
	Generation int       `json:"generation"`
}

// Result reports the outcome of a completed rollback.
type Result struct {
	SnapshotID string `json:"snapshot_id"`
	Generation int    `json:"generation"` // generation after the rollback mutation
	Verified   bool   `json:"verified"`
	Restored   int    `json:"restored_traits"`
}

// Failure is the one unrecoverable-without-human-intervention state: an
// unverifiable rollback means the recovery mechanism itself cannot be
// trusted. It is always escalated, never retried automatically.
type Failure struct {
	SnapshotID string
	Reason     string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("rollback failure for snapshot %s: %s", f.SnapshotID, f.Reason)
}

// ErrSnapshotNotFound is returned when the referenced snapshot does not exist.
var ErrSnapshotNotFound = fmt.Errorf("snapshot not found")

// Manager is the sole writer of snapshots.
type Manager struct {
	dir    string
	store  *dna.Store
	retain int
	logger *slog.Logger
	mu     sync.Mutex
	index  []Meta // oldest first
}

// NewManager creates a rollback manager, loading any existing snapshot index
// from dataDir.
func NewManager(dataDir string, store *dna.Store, retain int, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	m := &Manager{
		dir:    dir,
		store:  store,
		retain: retain,
		logger: logger.With("component", "rollback"),
	}

	if err := m.loadIndex(); err != nil {
		return nil, err
	}

	return m, nil
}

// Checksum computes the hex BLAKE2b-256 digest of a blob.
func Checksum(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// CreateSnapshot serializes the current DNA, checksums it, stores it, and
// enforces the retention cap.
func (m *Manager) CreateSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.Read()
	if err != nil {
		return nil, fmt.Errorf("read dna for snapshot: %w", err)
	}

	blob, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("serialize dna: %w", err)
	}

	snap := &Snapshot{
		ID:        fmt.Sprintf("snap_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
		CreatedAt: time.Now(),
		DNABlob:   blob,
		Checksum:  Checksum(blob),
	}

	if err := m.writeSnapshot(snap); err != nil {
		return nil, err
	}

	m.index = append(m.index, Meta{
		ID:         snap.ID,
		CreatedAt:  snap.CreatedAt,
		Checksum:   snap.Checksum,
		Generation: current.Generation,
	})

	// Record the reference on the aggregate. Generation does not move.
	if _, err := m.store.Commit(func(d *dna.DNA) error {
		d.Snapshots = append(d.Snapshots, snap.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("register snapshot on dna: %w", err)
	}

	if err := m.cleanupLocked(); err != nil {
		m.logger.Warn("snapshot cleanup failed", "error", err)
	}

	if err := m.saveIndex(); err != nil {
		return nil, err
	}

	m.logger.Info("snapshot created", "id", snap.ID, "generation", current.Generation)
	return snap, nil
}

// Get loads a snapshot by id and verifies its checksum.
func (m *Manager) Get(id string) (*Snapshot, error) {
	data, err := os.ReadFile(m.snapshotPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", id, err)
	}

	if Checksum(snap.DNABlob) != snap.Checksum {
		return nil, &Failure{SnapshotID: id, Reason: "checksum mismatch on stored blob"}
	}

	return &snap, nil
}

// List returns snapshot metadata, oldest first.
func (m *Manager) List() []Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Meta, len(m.index))
	copy(out, m.index)
	return out
}

// Count returns the number of retained snapshots.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Rollback restores the DNA's core traits and autonomy level from a
// snapshot, appends a synthetic rollback mutation (generation increments),
// and verifies the restore. Verification failure is a *Failure and must be
// escalated by the caller.
func (m *Manager) Rollback(id string) (*Result, error) {
	snap, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	var restored dna.DNA
	if err := json.Unmarshal(snap.DNABlob, &restored); err != nil {
		return nil, &Failure{SnapshotID: id, Reason: fmt.Sprintf("blob does not deserialize: %v", err)}
	}

	next, err := m.store.Commit(func(d *dna.DNA) error {
		traits, err := cloneTraits(restored.CoreTraits)
		if err != nil {
			return err
		}
		d.CoreTraits = traits
		d.AutonomyLevel = restored.AutonomyLevel
		d.MutationHistory = append(d.MutationHistory, dna.Mutation{
			ID:           fmt.Sprintf("mut_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
			Type:         dna.MutationRollback,
			Description:  fmt.Sprintf("rollback to snapshot %s", id),
			Source:       "rollback-manager",
			Status:       dna.StatusStable,
			RollbackData: id,
			Timestamp:    time.Now(),
		})
		d.Generation++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}

	ok, err := m.VerifyRollback(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &Failure{SnapshotID: id, Reason: "post-rollback verification diverged"}
	}

	m.logger.Info("rollback complete", "snapshot", id, "generation", next.Generation)
	return &Result{
		SnapshotID: id,
		Generation: next.Generation,
		Verified:   true,
		Restored:   len(restored.CoreTraits),
	}, nil
}

// VerifyRollback compares the live DNA's core traits field-by-field against
// the snapshot's deserialized traits.
func (m *Manager) VerifyRollback(id string) (bool, error) {
	snap, err := m.Get(id)
	if err != nil {
		return false, err
	}

	var want dna.DNA
	if err := json.Unmarshal(snap.DNABlob, &want); err != nil {
		return false, &Failure{SnapshotID: id, Reason: fmt.Sprintf("blob does not deserialize: %v", err)}
	}

	live, err := m.store.Read()
	if err != nil {
		return false, fmt.Errorf("read live dna: %w", err)
	}

	if len(live.CoreTraits) != len(want.CoreTraits) {
		return false, nil
	}
	for name, wv := range want.CoreTraits {
		lv, ok := live.CoreTraits[name]
		if !ok || !traitEqual(lv, wv) {
			return false, nil
		}
	}
	return true, nil
}

// CleanupOldSnapshots enforces the retention cap, oldest-first, never
// evicting the snapshot referenced by the latest mutation's rollback data.
func (m *Manager) CleanupOldSnapshots() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cleanupLocked(); err != nil {
		return err
	}
	return m.saveIndex()
}

func (m *Manager) cleanupLocked() error {
	if len(m.index) <= m.retain {
		return nil
	}

	pinned := m.pinnedSnapshot()
	var removed []string

	for len(m.index) > m.retain {
		evicted := false
		for i := 0; i < len(m.index); i++ {
			if m.index[i].ID == pinned {
				continue
			}
			id := m.index[i].ID
			if err := os.Remove(m.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove snapshot %s: %w", id, err)
			}
			m.index = append(m.index[:i], m.index[i+1:]...)
			removed = append(removed, id)
			evicted = true
			break
		}
		if !evicted {
			// Everything left is pinned; stop rather than violate the pin.
			break
		}
	}

	if len(removed) > 0 {
		if _, err := m.store.Commit(func(d *dna.DNA) error {
			d.Snapshots = withoutIDs(d.Snapshots, removed)
			return nil
		}); err != nil {
			return fmt.Errorf("unregister pruned snapshots: %w", err)
		}
		m.logger.Info("snapshots pruned", "removed", len(removed), "retained", len(m.index))
	}
	return nil
}

// pinnedSnapshot returns the id referenced by the most recent mutation's
// rollback data, or "".
func (m *Manager) pinnedSnapshot() string {
	d, err := m.store.Read()
	if err != nil {
		return ""
	}
	last := d.LastMutation()
	if last == nil {
		return ""
	}
	return last.RollbackData
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) writeSnapshot(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(m.snapshotPath(snap.ID), data, 0640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.dir, "index.json")
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot index: %w", err)
	}
	if err := json.Unmarshal(data, &m.index); err != nil {
		return fmt.Errorf("parse snapshot index: %w", err)
	}
	return nil
}

func (m *Manager) saveIndex() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot index: %w", err)
	}
	return os.WriteFile(m.indexPath(), data, 0640)
}

// cloneTraits deep-copies a trait map via JSON so the restored aggregate
// never aliases the snapshot's decoded blob.
func cloneTraits(traits map[string]any) (map[string]any, error) {
	data, err := json.Marshal(traits)
	if err != nil {
		return nil, fmt.Errorf("clone traits: %w", err)
	}
	out := make(map[string]any, len(traits))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone traits: %w", err)
	}
	return out, nil
}

// traitEqual compares two trait values after JSON normalization.
func traitEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func withoutIDs(ids []string, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	out := ids[:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
