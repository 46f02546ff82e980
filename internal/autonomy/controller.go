// Package autonomy decides which validated mutations the system may apply
// on its own. It risk-scores mutations, auto-approves the low-risk ones
// when the organization runs autonomously, escalates the rest, and runs
// checkpointed multi-step workflows.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/config"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/mutation"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/workflow"
)

// Risk weight per mutation type. Structural changes carry the most risk
// because they add or remove traits; rollbacks restore known-good state.
var typeWeights = map[dna.MutationType]float64{
	dna.MutationTraitAdjust: 0.10,
	dna.MutationBehavioral:  0.25,
	dna.MutationStructural:  0.45,
	dna.MutationRollback:    0.15,
}

// Decision is the controller's verdict on one validated mutation.
type Decision struct {
	MutationID   string  `json:"mutation_id"`
	RiskScore    float64 `json:"risk_score"`
	AutoApproved bool    `json:"auto_approved"`
	Escalated    bool    `json:"escalated"`
	Applied      bool    `json:"applied"`
	Rationale    string  `json:"rationale"`
}

// WorkflowResult summarizes one workflow run.
type WorkflowResult struct {
	Workflow    string     `json:"workflow"`
	Decisions   []Decision `json:"decisions"`
	Checkpoints int        `json:"checkpoints"`
	Halted      bool       `json:"halted"`
	HaltReason  string     `json:"halt_reason,omitempty"`
}

// ErrNotValidated is returned when a decision is requested for a mutation
// outside the validated state.
var ErrNotValidated = errors.New("mutation is not in validated state")

// Controller owns the approve/escalate decision and workflow execution.
type Controller struct {
	cfg      config.AutonomyConfig
	store    *dna.Store
	engine   *mutation.Engine
	rollback *rollback.Manager
	monitor  *fitness.Monitor
	guard    *Guard
	auditLog *audit.Log
	logger   *slog.Logger
}

// NewController wires the controller.
func NewController(cfg config.AutonomyConfig, store *dna.Store, engine *mutation.Engine, rb *rollback.Manager, monitor *fitness.Monitor, auditLog *audit.Log, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		rollback: rb,
		monitor:  monitor,
		guard:    NewGuard(cfg.MaxMutationsPerHour, cfg.FitnessDropTrip, time.Duration(cfg.CooldownMinutes)*time.Minute),
		auditLog: auditLog,
		logger:   logger.With("component", "autonomy"),
	}
}

// Guard exposes the mutation guard for the status surface.
func (c *Controller) Guard() *Guard { return c.guard }

// AssessRisk combines the mutation type weight, the magnitude of the trait
// delta, and the estimated fitness impact into a score in [0,1].
func (c *Controller) AssessRisk(m dna.Mutation) float64 {
	risk := typeWeights[m.Type]

	// Delta magnitude: sum of absolute relative changes, saturating.
	var magnitude float64
	for _, d := range m.Deltas {
		magnitude += math.Abs(d)
	}
	magnitude += 0.1 * float64(len(m.Sets))
	magnitude += 0.2 * float64(len(m.Removes))
	risk += 0.3 * math.Tanh(magnitude)

	// A predicted fitness drop raises risk; a predicted gain lowers it a
	// little but never below the type weight.
	if m.FitnessImpact < 0 {
		risk += 0.3 * math.Tanh(-m.FitnessImpact)
	} else {
		risk -= 0.05 * math.Tanh(m.FitnessImpact)
		if risk < typeWeights[m.Type] {
			risk = typeWeights[m.Type]
		}
	}

	return clamp01(risk)
}

// ShouldAutoApprove reports whether a risk score clears the autonomous
// gate: below threshold and the organization runs autonomously.
func (c *Controller) ShouldAutoApprove(risk float64) bool {
	return risk < c.cfg.RiskThreshold && c.store.AutonomyLevel() == dna.AutonomyAutonomous
}

// Decide risk-scores a validated mutation and either auto-approves and
// applies it or escalates it for human review. Every decision is audited
// with its rationale, including failed ones.
func (c *Controller) Decide(id string) (*Decision, error) {
	m, ok := c.engine.Get(id)
	if !ok {
		return nil, fmt.Errorf("mutation %s not found", id)
	}
	if m.Status != dna.StatusValidated {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotValidated, id, m.Status)
	}

	risk := c.AssessRisk(m)
	d := &Decision{MutationID: id, RiskScore: risk}

	if !c.ShouldAutoApprove(risk) {
		d.Escalated = true
		d.Rationale = fmt.Sprintf("risk %.3f >= threshold %.3f or autonomy level is %s",
			risk, c.cfg.RiskThreshold, c.store.AutonomyLevel())
		if err := c.engine.MarkEscalated(id, risk, d.Rationale); err != nil {
			return nil, err
		}
		c.recordDecision(d)
		return d, nil
	}

	if allowed, reason := c.guard.Allow(); !allowed {
		d.Escalated = true
		d.Rationale = "guard blocked autonomous apply: " + reason
		if err := c.engine.MarkEscalated(id, risk, d.Rationale); err != nil {
			return nil, err
		}
		c.recordDecision(d)
		return d, nil
	}

	d.AutoApproved = true
	d.Rationale = fmt.Sprintf("risk %.3f < threshold %.3f, autonomy level autonomous", risk, c.cfg.RiskThreshold)
	if err := c.engine.MarkAutoApproved(id, risk); err != nil {
		return nil, err
	}

	before, haveBefore := c.monitor.Latest()
	if _, err := c.engine.Apply(id, ""); err != nil {
		d.Rationale += "; apply failed: " + err.Error()
		c.recordDecision(d)
		return d, fmt.Errorf("apply auto-approved mutation %s: %w", id, err)
	}
	d.Applied = true

	c.observe(id, before, haveBefore)
	c.recordDecision(d)
	return d, nil
}

// observe settles an applied mutation: one fresh fitness sample feeds the
// guard and the measured-impact annotation, and the mutation finalizes as
// stable when the fitness held. A guard trip leaves it applied — a
// candidate for rollback, not a stable state.
func (c *Controller) observe(id string, before fitness.Score, haveBefore bool) {
	after, err := c.monitor.CalculateFitness()
	if err != nil {
		c.logger.Warn("post-apply fitness sample failed", "mutation", id, "error", err)
		return
	}

	if tripped := c.guard.RecordResult(before.Overall, after.Overall); tripped {
		c.logger.Warn("mutation guard tripped",
			"mutation", id, "fitness_before", before.Overall, "fitness_after", after.Overall)
		c.record("guard_tripped", id,
			fmt.Sprintf("fitness dropped %.4f -> %.4f", before.Overall, after.Overall), "circuit_open")
		return
	}

	if haveBefore {
		if _, err := c.engine.CalculateFitnessImpact(id, []fitness.Score{before}, []fitness.Score{after}); err != nil {
			c.logger.Warn("fitness impact annotation failed", "mutation", id, "error", err)
		}
	}
	if err := c.engine.MarkStable(id); err != nil {
		c.logger.Warn("could not finalize mutation", "mutation", id, "error", err)
	}
}

// Approve applies an escalated mutation on behalf of a human operator.
func (c *Controller) Approve(id, operator string) (*mutation.ApplyResult, error) {
	if operator == "" {
		return nil, errors.New("operator identity required")
	}
	before, haveBefore := c.monitor.Latest()
	res, err := c.engine.Apply(id, operator)
	if err != nil {
		c.record("operator_approval_failed", id, "operator "+operator, err.Error())
		return nil, err
	}
	c.observe(id, before, haveBefore)
	c.record("operator_approved", id, "approved by "+operator, "applied")
	return res, nil
}

// ExecuteWorkflow runs a workflow's steps in order: propose, decide,
// apply when approved, then observe. A checkpoint snapshot is taken every
// checkpoint-interval actions regardless of individual step risk. Every
// autonomous decision is logged with its rationale, even when the step
// ultimately fails.
func (c *Controller) ExecuteWorkflow(ctx context.Context, wf *workflow.Workflow) (*WorkflowResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	interval := wf.CheckpointInterval
	if interval <= 0 {
		interval = c.cfg.CheckpointInterval
	}
	if interval <= 0 {
		interval = 1
	}

	result := &WorkflowResult{Workflow: wf.Name}
	c.logger.Info("workflow started", "workflow", wf.Name, "steps", len(wf.Steps))
	c.record("workflow_started", wf.Name, fmt.Sprintf("%d steps, checkpoint every %d", len(wf.Steps), interval), "running")

	applied := 0
	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			result.Halted = true
			result.HaltReason = "cancelled"
			break
		}
		if c.cfg.MaxMutations > 0 && applied >= c.cfg.MaxMutations {
			result.Halted = true
			result.HaltReason = fmt.Sprintf("mutation budget %d exhausted", c.cfg.MaxMutations)
			break
		}

		if i%interval == 0 {
			if _, err := c.rollback.CreateSnapshot(); err != nil {
				result.Halted = true
				result.HaltReason = "checkpoint failed: " + err.Error()
				c.record("workflow_checkpoint_failed", wf.Name, err.Error(), "halted")
				break
			}
			result.Checkpoints++
		}

		m, err := c.engine.Propose(step.Draft(wf.Name))
		if err != nil {
			result.Halted = true
			result.HaltReason = fmt.Sprintf("step %s: %s", step.Name, err)
			break
		}
		if m.Status == dna.StatusRejected {
			d := Decision{MutationID: m.ID, Rationale: "rejected by validator: " + m.Reason}
			result.Decisions = append(result.Decisions, d)
			c.recordDecision(&d)
			continue
		}

		d, err := c.Decide(m.ID)
		if err != nil && d == nil {
			result.Halted = true
			result.HaltReason = fmt.Sprintf("step %s: %s", step.Name, err)
			break
		}
		result.Decisions = append(result.Decisions, *d)
		if err != nil {
			// Apply failed; the decision is already audited. Halt rather
			// than continue on partially mutated expectations.
			result.Halted = true
			result.HaltReason = fmt.Sprintf("step %s: %s", step.Name, err)
			break
		}
		if d.Applied {
			applied++
		}
	}

	outcome := "completed"
	if result.Halted {
		outcome = "halted: " + result.HaltReason
	}
	c.record("workflow_finished", wf.Name,
		fmt.Sprintf("%d decisions, %d checkpoints", len(result.Decisions), result.Checkpoints), outcome)
	c.logger.Info("workflow finished", "workflow", wf.Name, "outcome", outcome)
	return result, nil
}

// CheckDegradation runs one degradation-detection cycle. A detected
// degradation becomes an advisory corrective proposal and is reported so
// the caller can route it to the healer.
func (c *Controller) CheckDegradation() (*fitness.DegradationSignal, error) {
	signal := c.monitor.DetectDegradation()
	if signal == nil {
		return nil, nil
	}

	c.logger.Warn("fitness degradation detected",
		"drop", signal.Drop, "current_mean", signal.CurrentMean, "prior_mean", signal.PriorMean)
	c.record("degradation_detected", "fitness",
		fmt.Sprintf("mean dropped %.2f%% between windows", signal.Drop*100), "signal_raised")

	current, err := c.store.Read()
	if err != nil {
		return signal, err
	}
	if draft := c.monitor.SuggestOptimization(signal, current); draft != nil {
		m, err := c.engine.Propose(*draft)
		if err != nil {
			return signal, err
		}
		if m.Status == dna.StatusValidated {
			if _, err := c.Decide(m.ID); err != nil {
				return signal, err
			}
		}
	}
	return signal, nil
}

func (c *Controller) recordDecision(d *Decision) {
	action := "escalated"
	if d.AutoApproved {
		action = "auto_approved"
	}
	result := "pending"
	if d.Applied {
		result = "applied"
	}
	c.record("decision_"+action, d.MutationID,
		fmt.Sprintf("risk %.3f: %s", d.RiskScore, d.Rationale), result)
}

func (c *Controller) record(action, subject, rationale, result string) {
	if c.auditLog == nil {
		return
	}
	if _, err := c.auditLog.Record("autonomy-controller", action, subject, rationale, result); err != nil {
		c.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
