package mutation

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/events"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/security"
)

// Syncer enqueues durability operations after a successful apply.
type Syncer interface {
	EnqueueDNA(generation int) error
	EnqueueSnapshot(snapshotID string) error
}

// ApplyResult reports a completed apply.
type ApplyResult struct {
	Mutation   dna.Mutation `json:"mutation"`
	Generation int          `json:"generation"`
	SnapshotID string       `json:"snapshot_id"`
}

// StatusEvent is the payload published on every mutation status change.
type StatusEvent struct {
	ID     string             `json:"id"`
	Status dna.MutationStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// Engine coordinates propose → validate → apply for the DNA store.
type Engine struct {
	store     *dna.Store
	validator *Validator
	bounds    *dna.Bounds
	rollback  *rollback.Manager
	syncer    Syncer
	auditLog  *audit.Log
	bus       *events.Bus
	logger    *slog.Logger

	// Bounds signature, verified before every apply when configured.
	ownerKey ed25519.PublicKey
	boundSig []byte

	applyMu sync.Mutex // exactly one apply in flight

	mu      sync.RWMutex
	pending map[string]*dna.Mutation // proposals not yet in history
	path    string
}

// NewEngine creates a mutation engine, loading any persisted proposals.
func NewEngine(
	dataDir string,
	store *dna.Store,
	bounds *dna.Bounds,
	rb *rollback.Manager,
	syncer Syncer,
	auditLog *audit.Log,
	bus *events.Bus,
	logger *slog.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create mutation directory: %w", err)
	}

	e := &Engine{
		store:     store,
		validator: NewValidator(bounds),
		bounds:    bounds,
		rollback:  rb,
		syncer:    syncer,
		auditLog:  auditLog,
		bus:       bus,
		logger:    logger.With("component", "mutation"),
		pending:   make(map[string]*dna.Mutation),
		path:      filepath.Join(dataDir, "proposals.json"),
	}

	if err := e.loadPending(); err != nil {
		return nil, err
	}

	return e, nil
}

// SetBoundsSignature arms signature verification: every apply first checks
// that the bounds manifest still carries a valid owner signature. Unsigned
// deployments skip the check.
func (e *Engine) SetBoundsSignature(ownerKey ed25519.PublicKey, sig []byte) {
	e.ownerKey = ownerKey
	e.boundSig = sig
}

// Propose assigns an id, runs the validator, and registers the mutation.
// A failed validation yields status=rejected with the reason attached; the
// DNA is untouched either way.
func (e *Engine) Propose(draft dna.Draft) (dna.Mutation, error) {
	current, err := e.store.Read()
	if err != nil {
		return dna.Mutation{}, fmt.Errorf("read dna: %w", err)
	}

	mut := dna.Mutation{
		ID:            fmt.Sprintf("mut_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
		Type:          draft.Type,
		Description:   draft.Description,
		Deltas:        draft.Deltas,
		Sets:          draft.Sets,
		Removes:       draft.Removes,
		FitnessImpact: draft.FitnessImpact,
		Source:        draft.Source,
		Status:        dna.StatusProposed,
		Timestamp:     time.Now(),
	}

	result, err := e.validator.Validate(draft, current)
	if err != nil {
		return dna.Mutation{}, err
	}

	if !result.Valid {
		mut.Status = dna.StatusRejected
		mut.Reason = result.Reason
	} else {
		mut.Status = dna.StatusValidated
	}

	e.mu.Lock()
	e.pending[mut.ID] = &mut
	saveErr := e.savePendingLocked()
	e.mu.Unlock()
	if saveErr != nil {
		return dna.Mutation{}, saveErr
	}

	e.record("mutation-engine", "mutation_proposed", mut.ID, mut.Description, string(mut.Status))
	e.publishStatus(mut.ID, mut.Status, mut.Reason)
	e.logger.Info("mutation proposed",
		"id", mut.ID,
		"type", mut.Type,
		"source", mut.Source,
		"status", mut.Status,
	)

	return mut, nil
}

// Get returns a registered mutation by id.
func (e *Engine) Get(id string) (dna.Mutation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.pending[id]
	if !ok {
		return dna.Mutation{}, false
	}
	return *m, true
}

// List returns all registered mutations, in no particular order.
func (e *Engine) List() []dna.Mutation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]dna.Mutation, 0, len(e.pending))
	for _, m := range e.pending {
		out = append(out, *m)
	}
	return out
}

// MarkAutoApproved transitions a validated mutation to auto_approved with
// the risk score the autonomy controller assigned.
func (e *Engine) MarkAutoApproved(id string, risk float64) error {
	return e.transition(id, dna.StatusValidated, func(m *dna.Mutation) {
		m.RiskScore = risk
		m.AutoApproved = true
		m.Status = dna.StatusAutoApproved
	}, "")
}

// MarkEscalated transitions a validated mutation to escalated. The pipeline
// halts for it until an operator acts.
func (e *Engine) MarkEscalated(id string, risk float64, reason string) error {
	return e.transition(id, dna.StatusValidated, func(m *dna.Mutation) {
		m.RiskScore = risk
		m.AutoApproved = false
		m.Status = dna.StatusEscalated
		m.Reason = reason
	}, reason)
}

// Apply performs the ordered apply protocol. Precondition: the mutation is
// auto_approved, or escalated and operator names the approving human.
//
// Steps: snapshot current DNA, attach its id as rollback data, compute the
// new traits, then atomically swap traits + append history + bump generation
// in one commit. A failure before the commit leaves generation unchanged and
// the mutation never reaches status=applied.
func (e *Engine) Apply(id, operator string) (*ApplyResult, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.RLock()
	reg, ok := e.pending[id]
	var mut dna.Mutation
	if ok {
		mut = *reg
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mutation not found: %s", id)
	}

	switch mut.Status {
	case dna.StatusAutoApproved:
	case dna.StatusEscalated:
		if operator == "" {
			return nil, fmt.Errorf("mutation %s is escalated and needs operator approval", id)
		}
	default:
		return nil, fmt.Errorf("mutation %s is %s, not approved for apply", id, mut.Status)
	}

	if err := e.verifyBounds(); err != nil {
		return nil, fmt.Errorf("bounds verification before apply: %w", err)
	}

	// Step 1: snapshot the pre-apply state. This snapshot is what makes an
	// interrupted apply recoverable.
	snap, err := e.rollback.CreateSnapshot()
	if err != nil {
		return nil, fmt.Errorf("pre-apply snapshot: %w", err)
	}
	mut.RollbackData = snap.ID

	draft := mut.AsDraft()
	applied := mut
	applied.Status = dna.StatusApplied
	if operator != "" {
		applied.Reason = fmt.Sprintf("approved by %s", operator)
	}

	// Steps 2-3: produce the new traits and commit traits + history +
	// generation in a single atomic swap.
	next, err := e.store.Commit(func(d *dna.DNA) error {
		result, err := e.validator.Validate(draft, d)
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("mutation no longer valid at apply time: %s", result.Reason)
		}
		traits, err := e.validator.Produce(draft, d)
		if err != nil {
			return err
		}
		d.CoreTraits = traits
		d.MutationHistory = append(d.MutationHistory, applied)
		d.Generation++
		return nil
	})
	if err != nil {
		e.record("mutation-engine", "mutation_apply_failed", id, err.Error(), "error")
		return nil, fmt.Errorf("apply mutation %s: %w", id, err)
	}

	// Step 4: the registered proposal reflects the applied state.
	e.mu.Lock()
	*reg = applied
	saveErr := e.savePendingLocked()
	e.mu.Unlock()
	if saveErr != nil {
		e.logger.Warn("failed to persist proposal registry after apply", "error", saveErr)
	}

	// Step 5: queue the new state for external durability. The queue owns
	// retries from here; enqueue failures are audited, not fatal.
	if e.syncer != nil {
		if err := e.syncer.EnqueueDNA(next.Generation); err != nil {
			e.record("mutation-engine", "sync_enqueue_failed", id, err.Error(), "error")
		}
		if err := e.syncer.EnqueueSnapshot(snap.ID); err != nil {
			e.record("mutation-engine", "sync_enqueue_failed", snap.ID, err.Error(), "error")
		}
	}

	// Step 6: audit.
	e.record("mutation-engine", "mutation_applied", id,
		fmt.Sprintf("generation %d → %d", next.Generation-1, next.Generation), "ok")
	e.publishStatus(id, dna.StatusApplied, "")

	e.logger.Info("mutation applied",
		"id", id,
		"generation", next.Generation,
		"snapshot", snap.ID,
	)

	return &ApplyResult{Mutation: applied, Generation: next.Generation, SnapshotID: snap.ID}, nil
}

// CalculateFitnessImpact compares samples preceding and following the apply
// and retroactively annotates the mutation record with the measured delta.
func (e *Engine) CalculateFitnessImpact(id string, before, after []fitness.Score) (float64, error) {
	if len(before) == 0 || len(after) == 0 {
		return 0, fmt.Errorf("fitness impact needs samples on both sides of the apply")
	}

	impact := meanOverall(after) - meanOverall(before)

	e.mu.Lock()
	if m, ok := e.pending[id]; ok {
		v := impact
		m.MeasuredImpact = &v
	}
	saveErr := e.savePendingLocked()
	e.mu.Unlock()
	if saveErr != nil {
		return impact, saveErr
	}

	_, err := e.store.Commit(func(d *dna.DNA) error {
		for i := range d.MutationHistory {
			if d.MutationHistory[i].ID == id {
				v := impact
				d.MutationHistory[i].MeasuredImpact = &v
				return nil
			}
		}
		return fmt.Errorf("mutation %s not in history", id)
	})
	if err != nil {
		return impact, err
	}

	e.logger.Info("fitness impact measured", "id", id, "impact", impact)
	return impact, nil
}

// MarkStable finalizes an applied mutation whose post-apply fitness held.
func (e *Engine) MarkStable(id string) error {
	return e.finalize(id, dna.StatusStable, "")
}

// MarkRolledBack finalizes an applied mutation that was reverted.
func (e *Engine) MarkRolledBack(id, reason string) error {
	return e.finalize(id, dna.StatusRolledBack, reason)
}

func (e *Engine) finalize(id string, status dna.MutationStatus, reason string) error {
	e.mu.Lock()
	m, ok := e.pending[id]
	if ok && m.Status == dna.StatusApplied {
		m.Status = status
		m.Reason = reason
	}
	saveErr := e.savePendingLocked()
	e.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	// The history record's status moves too; history order and content are
	// untouched.
	_, err := e.store.Commit(func(d *dna.DNA) error {
		for i := range d.MutationHistory {
			if d.MutationHistory[i].ID == id {
				d.MutationHistory[i].Status = status
				if reason != "" {
					d.MutationHistory[i].Reason = reason
				}
				return nil
			}
		}
		return fmt.Errorf("mutation %s not in history", id)
	})
	if err != nil {
		return err
	}

	e.publishStatus(id, status, reason)
	return nil
}

func (e *Engine) transition(id string, from dna.MutationStatus, apply func(*dna.Mutation), reason string) error {
	e.mu.Lock()
	m, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("mutation not found: %s", id)
	}
	if m.Status != from {
		e.mu.Unlock()
		return fmt.Errorf("mutation %s is %s, expected %s", id, m.Status, from)
	}
	apply(m)
	status := m.Status
	saveErr := e.savePendingLocked()
	e.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	e.publishStatus(id, status, reason)
	return nil
}

func (e *Engine) verifyBounds() error {
	if len(e.ownerKey) == 0 && len(e.boundSig) == 0 {
		return nil // unsigned deployment
	}
	ok, err := security.VerifyBounds(e.bounds, e.boundSig, e.ownerKey)
	if err != nil {
		return err
	}
	if !ok {
		return security.ErrInvalidSignature
	}
	return nil
}

func (e *Engine) record(actor, action, subject, rationale, result string) {
	if e.auditLog == nil {
		return
	}
	if _, err := e.auditLog.Record(actor, action, subject, rationale, result); err != nil {
		e.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

func (e *Engine) publishStatus(id string, status dna.MutationStatus, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.KindMutationStatus, StatusEvent{ID: id, Status: status, Reason: reason})
}

func (e *Engine) savePendingLocked() error {
	data, err := json.MarshalIndent(e.pending, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proposals: %w", err)
	}
	return os.WriteFile(e.path, data, 0640)
}

func (e *Engine) loadPending() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read proposals: %w", err)
	}
	if err := json.Unmarshal(data, &e.pending); err != nil {
		return fmt.Errorf("parse proposals: %w", err)
	}
	if e.pending == nil {
		e.pending = make(map[string]*dna.Mutation)
	}
	return nil
}

func meanOverall(scores []fitness.Score) float64 {
	var sum float64
	for _, s := range scores {
		sum += s.Overall
	}
	return sum / float64(len(scores))
}
