// Package mutation proposes, validates, and applies changes to the DNA
// store. The engine is the sole writer of DNA and its mutation history.
package mutation

import (
	"fmt"
	"math"

	"github.com/helixdyn/helix/internal/dna"
)

// ValidationResult reports whether a proposed change is acceptable.
// Invalid is a normal outcome, not an error: the mutation is rejected and
// no state changes.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func valid() ValidationResult { return ValidationResult{Valid: true} }

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validator is a pure checker of proposed changes against the trait-bounds
// manifest and the current DNA.
type Validator struct {
	bounds *dna.Bounds
}

// NewValidator creates a validator over the given bounds manifest.
func NewValidator(bounds *dna.Bounds) *Validator {
	return &Validator{bounds: bounds}
}

// Validate checks a draft against the current DNA. The returned error is
// reserved for programmer errors (nil inputs, missing required fields);
// every malformed-but-checkable draft comes back as Invalid with a reason.
func (v *Validator) Validate(draft dna.Draft, current *dna.DNA) (ValidationResult, error) {
	if current == nil {
		return ValidationResult{}, fmt.Errorf("validate: current dna is nil")
	}
	if draft.Type == "" {
		return ValidationResult{}, fmt.Errorf("validate: draft has no type")
	}
	if draft.Source == "" {
		return ValidationResult{}, fmt.Errorf("validate: draft has no source")
	}

	switch draft.Type {
	case dna.MutationTraitAdjust, dna.MutationStructural, dna.MutationBehavioral:
	default:
		return invalid("unknown mutation type %q", draft.Type), nil
	}

	if math.IsNaN(draft.FitnessImpact) || math.IsInf(draft.FitnessImpact, 0) {
		return invalid("fitness impact estimate must be finite"), nil
	}

	if len(draft.Deltas) == 0 && len(draft.Sets) == 0 && len(draft.Removes) == 0 {
		return invalid("draft changes nothing"), nil
	}

	if len(draft.Removes) > 0 && draft.Type != dna.MutationStructural {
		return invalid("only structural mutations may remove traits"), nil
	}

	// Structural removals must not take out traits the autonomy policy
	// references.
	for _, name := range draft.Removes {
		if _, ok := current.CoreTraits[name]; !ok {
			return invalid("cannot remove unknown trait %s", name), nil
		}
		if tb, ok := v.bounds.Traits[name]; ok && tb.Required {
			return invalid("trait %s is required by the autonomy policy and cannot be removed", name), nil
		}
	}

	next, result := v.produce(draft, current)
	if !result.Valid {
		return result, nil
	}

	// Every produced value must sit inside its declared bound.
	for name, value := range next {
		if err := v.bounds.Check(name, value); err != nil {
			return invalid("%v", err), nil
		}
	}

	return valid(), nil
}

// Produce computes the core traits that applying the draft would yield.
// It is the single source of truth for delta application, shared by the
// validator and the engine's commit path.
func (v *Validator) Produce(draft dna.Draft, current *dna.DNA) (map[string]any, error) {
	next, result := v.produce(draft, current)
	if !result.Valid {
		return nil, fmt.Errorf("produce traits: %s", result.Reason)
	}
	return next, nil
}

func (v *Validator) produce(draft dna.Draft, current *dna.DNA) (map[string]any, ValidationResult) {
	next := make(map[string]any, len(current.CoreTraits))
	for name, value := range current.CoreTraits {
		next[name] = value
	}

	for _, name := range draft.Removes {
		delete(next, name)
	}

	for name, delta := range draft.Deltas {
		cur, ok := next[name]
		if !ok {
			return nil, invalid("delta targets unknown trait %s", name)
		}
		n, ok := asNumber(cur)
		if !ok {
			return nil, invalid("delta targets non-numeric trait %s", name)
		}
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			return nil, invalid("delta for trait %s is not finite", name)
		}
		next[name] = n + delta
	}

	for name, value := range draft.Sets {
		if _, declared := v.bounds.Traits[name]; !declared {
			return nil, invalid("set targets undeclared trait %s", name)
		}
		if _, exists := next[name]; !exists && draft.Type != dna.MutationStructural {
			return nil, invalid("only structural mutations may introduce trait %s", name)
		}
		switch tv := value.(type) {
		case bool:
			next[name] = tv
		case float64:
			if math.IsNaN(tv) || math.IsInf(tv, 0) {
				return nil, invalid("set for trait %s is not finite", name)
			}
			next[name] = tv
		case int:
			next[name] = float64(tv)
		default:
			return nil, invalid("set for trait %s has unsupported type %T", name, value)
		}
	}

	return next, valid()
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
