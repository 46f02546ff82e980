package dna

import (
	"testing"
	"time"
)

func TestDefaultDNA(t *testing.T) {
	d := Default()

	if d.Generation != 0 {
		t.Errorf("expected generation 0, got %d", d.Generation)
	}
	if d.AutonomyLevel != AutonomySupervised {
		t.Errorf("expected supervised autonomy, got %s", d.AutonomyLevel)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("default DNA should validate: %v", err)
	}
}

func TestGenerationInvariant(t *testing.T) {
	d := Default()

	// Generation must equal history length at every step.
	for i := 0; i < 20; i++ {
		d.MutationHistory = append(d.MutationHistory, Mutation{
			ID:        "m",
			Type:      MutationTraitAdjust,
			Status:    StatusApplied,
			Timestamp: time.Now(),
		})
		d.Generation++
		if err := d.Validate(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	d.Generation++
	if err := d.Validate(); err == nil {
		t.Error("expected validation failure when generation exceeds history length")
	}
}

func TestValidateAutonomyLevel(t *testing.T) {
	d := Default()
	d.AutonomyLevel = "reckless"
	if err := d.Validate(); err == nil {
		t.Error("expected validation failure for unknown autonomy level")
	}
}

func TestClone(t *testing.T) {
	d := Default()
	d.CoreTraits["speed"] = 5.0
	d.MutationHistory = append(d.MutationHistory, Mutation{ID: "m1", Type: MutationTraitAdjust})
	d.Generation = 1

	clone, err := d.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	clone.CoreTraits["speed"] = 9.0
	clone.MutationHistory[0].ID = "changed"

	if d.CoreTraits["speed"] != 5.0 {
		t.Error("clone mutation leaked into original traits")
	}
	if d.MutationHistory[0].ID != "m1" {
		t.Error("clone mutation leaked into original history")
	}
}

func TestLastMutation(t *testing.T) {
	d := Default()
	if d.LastMutation() != nil {
		t.Error("expected nil last mutation on empty history")
	}

	d.MutationHistory = append(d.MutationHistory,
		Mutation{ID: "first"}, Mutation{ID: "second"})
	if got := d.LastMutation().ID; got != "second" {
		t.Errorf("expected second, got %s", got)
	}
}

func TestMutationTerminal(t *testing.T) {
	tests := []struct {
		status   MutationStatus
		terminal bool
	}{
		{StatusProposed, false},
		{StatusValidated, false},
		{StatusAutoApproved, false},
		{StatusEscalated, false},
		{StatusRejected, true},
		{StatusApplied, false},
		{StatusStable, true},
		{StatusRolledBack, true},
	}

	for _, tt := range tests {
		m := Mutation{Status: tt.status}
		if m.Terminal() != tt.terminal {
			t.Errorf("status %s: terminal = %v, want %v", tt.status, m.Terminal(), tt.terminal)
		}
	}
}

func TestAsDraft(t *testing.T) {
	m := Mutation{
		Type:          MutationTraitAdjust,
		Description:   "bump speed",
		Deltas:        map[string]float64{"speed": 1.0},
		FitnessImpact: 0.1,
		Source:        "test",
	}
	d := m.AsDraft()
	if d.Type != m.Type || d.Source != m.Source || d.Deltas["speed"] != 1.0 {
		t.Error("draft does not reflect mutation fields")
	}
}
