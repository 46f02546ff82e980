// Package healer implements strategy-driven recovery for classified
// failures. Each error kind maps to an ordered list of recovery actions;
// the healer walks the list up to a configured attempt budget and
// escalates to a human operator with the full attempt chain when the
// budget is exhausted.
package healer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/syncq"
)

// ErrorKind classifies a recoverable failure.
type ErrorKind string

const (
	KindStorageFailure       ErrorKind = "storage_failure"
	KindMutationFailure      ErrorKind = "mutation_failure"
	KindCommunicationFailure ErrorKind = "communication_failure"
	KindFitnessDegradation   ErrorKind = "fitness_degradation"
)

// ErrUnknownKind is returned for error kinds outside the taxonomy.
var ErrUnknownKind = errors.New("unknown error kind")

// ParseErrorKind validates an externally supplied kind string.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch k := ErrorKind(s); k {
	case KindStorageFailure, KindMutationFailure, KindCommunicationFailure, KindFitnessDegradation:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Action names one recovery step.
type Action string

const (
	ActionRetrySync         Action = "retry_sync"
	ActionSwitchProvider    Action = "switch_provider"
	ActionRollbackLatest    Action = "rollback_latest"
	ActionProposeCorrection Action = "propose_correction"
)

// Attempt records one executed recovery action.
type Attempt struct {
	Action    Action        `json:"action"`
	Error     string        `json:"error,omitempty"`
	Succeeded bool          `json:"succeeded"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Result is the outcome of one heal invocation.
type Result struct {
	Kind      ErrorKind `json:"error_kind"`
	Healed    bool      `json:"healed"`
	Escalated bool      `json:"escalated"`
	Fatal     bool      `json:"fatal"`
	Attempts  []Attempt `json:"attempts"`
	Message   string    `json:"message"`
}

// Proposer submits corrective mutation drafts back into the pipeline and
// settles mutations the healer reverts. Satisfied by the mutation engine.
type Proposer interface {
	Propose(draft dna.Draft) (dna.Mutation, error)
	MarkRolledBack(id, reason string) error
}

// Healer recovers from classified failures and reports every outcome to
// the audit log.
type Healer struct {
	store       *dna.Store
	rollbackMgr *rollback.Manager
	queue       *syncq.Queue
	monitor     *fitness.Monitor
	proposer    Proposer
	auditLog    *audit.Log
	maxAttempts int
	logger      *slog.Logger

	mu sync.Mutex // one heal runs at a time
}

// NewHealer wires the healer into the components it recovers.
func NewHealer(store *dna.Store, rollbackMgr *rollback.Manager, queue *syncq.Queue, monitor *fitness.Monitor, auditLog *audit.Log, maxAttempts int, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Healer{
		store:       store,
		rollbackMgr: rollbackMgr,
		queue:       queue,
		monitor:     monitor,
		auditLog:    auditLog,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "healer"),
	}
}

// SetProposer wires the mutation engine after construction. The engine
// depends on the sync queue, which reports failures here, so wiring is
// two-phase.
func (h *Healer) SetProposer(p Proposer) { h.proposer = p }

// Heal runs the recovery strategy for the given error kind. The strategy
// is an ordered action list; the first succeeding action heals. Exhausting
// the attempt budget escalates with the full attempt chain attached.
func (h *Healer) Heal(ctx context.Context, kind ErrorKind, errCtx map[string]any) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	actions, err := h.strategy(kind)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{Kind: kind}
	h.logger.Info("healing started", "kind", kind, "strategy", actions)

	remaining := h.maxAttempts
	for _, action := range actions {
		if remaining == 0 {
			break
		}
		remaining--

		attemptStart := time.Now()
		actErr := h.execute(ctx, action, errCtx)
		attempt := Attempt{
			Action:    action,
			Succeeded: actErr == nil,
			Elapsed:   time.Since(attemptStart),
		}
		if actErr != nil {
			attempt.Error = actErr.Error()
		}
		result.Attempts = append(result.Attempts, attempt)

		if actErr == nil {
			result.Healed = true
			result.Message = fmt.Sprintf("recovered via %s", action)
			h.finish(result, time.Since(start))
			return result, nil
		}

		var rbFail *rollback.Failure
		if errors.As(actErr, &rbFail) {
			// An unverifiable rollback means recovery itself cannot be
			// trusted. Fatal, escalated, never retried.
			result.Fatal = true
			result.Escalated = true
			result.Message = fmt.Sprintf("rollback failure: %s", rbFail.Error())
			h.finish(result, time.Since(start))
			return result, nil
		}

		h.logger.Warn("recovery action failed", "kind", kind, "action", action, "error", actErr)
	}

	result.Escalated = true
	result.Message = fmt.Sprintf("healing exhausted after %d attempts", len(result.Attempts))
	h.finish(result, time.Since(start))
	return result, nil
}

// HandlePermanentFailure receives sync queue items that exhausted their
// retry budget. It implements the queue's FailureHandler.
func (h *Healer) HandlePermanentFailure(item syncq.Item, lastErr string) {
	errCtx := map[string]any{
		"provider": item.Provider,
		"kind":     item.PayloadKind,
		"ref":      item.PayloadRef,
		"error":    lastErr,
	}
	if _, err := h.Heal(context.Background(), KindStorageFailure, errCtx); err != nil {
		h.logger.Error("healing of permanent sync failure errored", "error", err)
	}
}

// strategy is the one place the taxonomy is dispatched; the exhaustive
// switch catches a new kind that lacks a strategy at compile review.
func (h *Healer) strategy(kind ErrorKind) ([]Action, error) {
	switch kind {
	case KindStorageFailure:
		return []Action{ActionRetrySync, ActionSwitchProvider}, nil
	case KindMutationFailure:
		return []Action{ActionRollbackLatest}, nil
	case KindCommunicationFailure:
		return []Action{ActionRetrySync, ActionSwitchProvider}, nil
	case KindFitnessDegradation:
		return []Action{ActionProposeCorrection, ActionRollbackLatest}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (h *Healer) execute(ctx context.Context, action Action, errCtx map[string]any) error {
	switch action {
	case ActionRetrySync:
		return h.retrySync(ctx)
	case ActionSwitchProvider:
		return h.switchProvider(errCtx)
	case ActionRollbackLatest:
		return h.rollbackLatest()
	case ActionProposeCorrection:
		return h.proposeCorrection()
	default:
		return fmt.Errorf("unknown recovery action: %s", action)
	}
}

func (h *Healer) retrySync(ctx context.Context) error {
	if h.queue == nil {
		return errors.New("sync queue unavailable")
	}
	if err := h.queue.ProcessQueue(ctx); err != nil {
		return fmt.Errorf("retry sync: %w", err)
	}
	st, err := h.queue.Status()
	if err != nil {
		return err
	}
	for _, counts := range st.PerProvider {
		if counts[syncq.StatusFailed] > 0 {
			return errors.New("permanently failed items remain after retry")
		}
	}
	return nil
}

// switchProvider re-enqueues the failed payload on every provider other
// than the one that failed.
func (h *Healer) switchProvider(errCtx map[string]any) error {
	if h.queue == nil {
		return errors.New("sync queue unavailable")
	}
	failed, _ := errCtx["provider"].(string)
	kind, _ := errCtx["kind"].(string)
	ref, _ := errCtx["ref"].(string)
	if kind == "" || ref == "" {
		return errors.New("no payload reference in failure context")
	}

	requeued := 0
	for _, name := range h.queue.ProviderNames() {
		if name == failed {
			continue
		}
		if err := h.queue.Add(name, kind, ref); err != nil {
			return err
		}
		requeued++
	}
	if requeued == 0 {
		return fmt.Errorf("no alternate provider for %s/%s", kind, ref)
	}
	return nil
}

func (h *Healer) rollbackLatest() error {
	metas := h.rollbackMgr.List()
	if len(metas) == 0 {
		return errors.New("no snapshot available for rollback")
	}
	latest := metas[len(metas)-1]
	reverted := h.latestAppliedMutation()

	res, err := h.rollbackMgr.Rollback(latest.ID)
	if err != nil {
		return err
	}

	// The rollback record is already in the history; the mutation it
	// reverted moves to its terminal status too.
	if reverted != "" && h.proposer != nil {
		if err := h.proposer.MarkRolledBack(reverted, "reverted to snapshot "+latest.ID); err != nil {
			h.logger.Warn("could not settle reverted mutation", "mutation", reverted, "error", err)
		}
	}

	h.logger.Info("rolled back to latest snapshot",
		"snapshot", latest.ID, "generation", res.Generation, "verified", res.Verified)
	return nil
}

// latestAppliedMutation finds the most recent history entry still in the
// applied state, skipping rollback records.
func (h *Healer) latestAppliedMutation() string {
	current, err := h.store.Read()
	if err != nil {
		return ""
	}
	for i := len(current.MutationHistory) - 1; i >= 0; i-- {
		m := current.MutationHistory[i]
		if m.Status == dna.StatusApplied && m.Type != dna.MutationRollback {
			return m.ID
		}
	}
	return ""
}

func (h *Healer) proposeCorrection() error {
	if h.proposer == nil {
		return errors.New("no proposer wired")
	}
	signal := h.monitor.DetectDegradation()
	if signal == nil {
		return errors.New("no active degradation signal")
	}
	current, err := h.store.Read()
	if err != nil {
		return err
	}
	draft := h.monitor.SuggestOptimization(signal, current)
	if draft == nil {
		return errors.New("no corrective mutation available")
	}
	m, err := h.proposer.Propose(*draft)
	if err != nil {
		return err
	}
	if m.Status == dna.StatusRejected {
		return fmt.Errorf("corrective proposal rejected: %s", m.Reason)
	}
	h.logger.Info("corrective mutation proposed", "mutation", m.ID, "status", m.Status)
	return nil
}

// finish records the heal outcome to the audit log and the healing-speed
// metric.
func (h *Healer) finish(result *Result, elapsed time.Duration) {
	if h.monitor != nil {
		h.monitor.RecordOperation("heal", result.Healed, elapsed, 0)
	}
	if h.auditLog == nil {
		return
	}
	outcome := "healed"
	if result.Fatal {
		outcome = "fatal"
	} else if result.Escalated {
		outcome = "escalated"
	}
	if _, err := h.auditLog.RecordDetail("self-healer", "heal", string(result.Kind),
		result.Message, outcome, result.Attempts); err != nil {
		h.logger.Warn("audit write failed", "error", err)
	}
	h.logger.Info("healing finished", "kind", result.Kind, "outcome", outcome, "attempts", len(result.Attempts))
}
