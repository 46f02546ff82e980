// Package dna holds the versioned configuration state of the system and the
// record types describing how it changes. The DNA aggregate is the single
// canonical mutable instance; every change to it flows through the mutation
// engine, never through ad-hoc field writes.
package dna

import (
	"encoding/json"
	"fmt"
	"time"
)

// AutonomyLevel governs whether mutations may be applied without human approval.
type AutonomyLevel string

const (
	AutonomyManual     AutonomyLevel = "manual"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyAutonomous AutonomyLevel = "autonomous"
)

// MutationType classifies what a mutation touches.
type MutationType string

const (
	MutationTraitAdjust MutationType = "trait_adjust"
	MutationStructural  MutationType = "structural"
	MutationBehavioral  MutationType = "behavioral"
	MutationRollback    MutationType = "rollback"
)

// MutationStatus tracks a mutation through its lifecycle:
// proposed → validated → {auto_approved | escalated | rejected} → applied → {stable | rolled_back}.
type MutationStatus string

const (
	StatusProposed     MutationStatus = "proposed"
	StatusValidated    MutationStatus = "validated"
	StatusAutoApproved MutationStatus = "auto_approved"
	StatusEscalated    MutationStatus = "escalated"
	StatusRejected     MutationStatus = "rejected"
	StatusApplied      MutationStatus = "applied"
	StatusStable       MutationStatus = "stable"
	StatusRolledBack   MutationStatus = "rolled_back"
)

// Draft is an untrusted mutation proposal from a collaborator (feedback
// analyzer or operator). It is always re-validated before anything happens.
type Draft struct {
	Type          MutationType       `json:"type"`
	Description   string             `json:"description"`
	Deltas        map[string]float64 `json:"deltas,omitempty"`  // numeric adjustments, added to current values
	Sets          map[string]any     `json:"sets,omitempty"`    // absolute assignments (numeric or boolean)
	Removes       []string           `json:"removes,omitempty"` // structural trait removals
	FitnessImpact float64            `json:"fitness_impact"`    // signed estimate
	Source        string             `json:"source"`            // proposer identifier, human or AI
}

// Mutation is a proposed or applied change. Once constructed by the engine it
// is treated as a value; status transitions produce updated copies in the
// engine's registry, and the copy appended to history never changes again.
type Mutation struct {
	ID             string             `json:"id"`
	Type           MutationType       `json:"type"`
	Description    string             `json:"description"`
	Deltas         map[string]float64 `json:"deltas,omitempty"`
	Sets           map[string]any     `json:"sets,omitempty"`
	Removes        []string           `json:"removes,omitempty"`
	FitnessImpact  float64            `json:"fitness_impact"`
	MeasuredImpact *float64           `json:"measured_impact,omitempty"` // annotated after observation
	RiskScore      float64            `json:"risk_score"`
	Source         string             `json:"source"`
	Status         MutationStatus     `json:"status"`
	AutoApproved   bool               `json:"auto_approved"`
	RollbackData   string             `json:"rollback_data,omitempty"` // snapshot id taken before apply
	Reason         string             `json:"reason,omitempty"`        // rejection/escalation rationale
	Timestamp      time.Time          `json:"timestamp"`
}

// AsDraft reconstructs the draft view of a mutation so it can be
// re-validated against the DNA state current at apply time.
func (m Mutation) AsDraft() Draft {
	return Draft{
		Type:          m.Type,
		Description:   m.Description,
		Deltas:        m.Deltas,
		Sets:          m.Sets,
		Removes:       m.Removes,
		FitnessImpact: m.FitnessImpact,
		Source:        m.Source,
	}
}

// Terminal reports whether the mutation can no longer change state on its own.
// Escalated mutations are terminal unless an operator approves a resubmission.
func (m Mutation) Terminal() bool {
	switch m.Status {
	case StatusRejected, StatusStable, StatusRolledBack:
		return true
	}
	return false
}

// DNA is the versioned configuration aggregate.
//
// Invariant: Generation == len(MutationHistory) at all times. The generation
// increments exactly once per successfully applied mutation, and a rollback is
// itself a recorded mutation, not a history rewrite.
type DNA struct {
	Generation      int            `json:"generation"`
	AutonomyLevel   AutonomyLevel  `json:"autonomy_level"`
	CoreTraits      map[string]any `json:"core_traits"`
	MutationHistory []Mutation     `json:"mutation_history"`
	Snapshots       []string       `json:"snapshots"` // snapshot ids, oldest first
}

// Default returns the zero-generation DNA.
func Default() *DNA {
	return &DNA{
		Generation:      0,
		AutonomyLevel:   AutonomySupervised,
		CoreTraits:      make(map[string]any),
		MutationHistory: []Mutation{},
		Snapshots:       []string{},
	}
}

// Clone creates a deep copy of the DNA via a JSON round-trip.
func (d *DNA) Clone() (*DNA, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	var clone DNA
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	clone.normalize()

	return &clone, nil
}

// Validate checks the structural invariants of the aggregate.
func (d *DNA) Validate() error {
	if d.Generation != len(d.MutationHistory) {
		return fmt.Errorf("generation %d does not match history length %d",
			d.Generation, len(d.MutationHistory))
	}
	switch d.AutonomyLevel {
	case AutonomyManual, AutonomySupervised, AutonomyAutonomous:
	default:
		return fmt.Errorf("unknown autonomy level: %q", d.AutonomyLevel)
	}
	return nil
}

// LastMutation returns the most recently applied mutation, or nil.
func (d *DNA) LastMutation() *Mutation {
	if len(d.MutationHistory) == 0 {
		return nil
	}
	return &d.MutationHistory[len(d.MutationHistory)-1]
}

// normalize ensures maps and slices survive a JSON round-trip as non-nil.
func (d *DNA) normalize() {
	if d.CoreTraits == nil {
		d.CoreTraits = make(map[string]any)
	}
	if d.MutationHistory == nil {
		d.MutationHistory = []Mutation{}
	}
	if d.Snapshots == nil {
		d.Snapshots = []string{}
	}
}
