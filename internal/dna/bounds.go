package dna

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TraitKind distinguishes numeric from boolean traits.
type TraitKind string

const (
	TraitNumber TraitKind = "number"
	TraitBool   TraitKind = "bool"
)

// TraitBound declares the hard limits for a single trait. Bounds are not
// evolvable: the validator rejects any mutation that would push a trait
// outside them, and structural mutations may not remove required traits.
type TraitBound struct {
	Kind     TraitKind `toml:"kind"`
	Min      float64   `toml:"min"`
	Max      float64   `toml:"max"`
	Required bool      `toml:"required"` // referenced by the autonomy policy; cannot be removed
	Default  any       `toml:"default,omitempty"`
}

// Bounds is the full trait-bounds manifest.
type Bounds struct {
	Traits map[string]TraitBound `toml:"traits"`
}

// LoadBounds parses a bounds manifest from a TOML file.
func LoadBounds(path string) (*Bounds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bounds manifest: %w", err)
	}
	return ParseBounds(data)
}

// ParseBounds parses a bounds manifest from raw TOML.
func ParseBounds(data []byte) (*Bounds, error) {
	var b Bounds
	if err := toml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bounds manifest: %w", err)
	}
	if b.Traits == nil {
		b.Traits = make(map[string]TraitBound)
	}

	for name, tb := range b.Traits {
		switch tb.Kind {
		case TraitNumber:
			if tb.Min > tb.Max {
				return nil, fmt.Errorf("trait %s: min %f exceeds max %f", name, tb.Min, tb.Max)
			}
		case TraitBool:
		default:
			return nil, fmt.Errorf("trait %s: unknown kind %q", name, tb.Kind)
		}
	}

	return &b, nil
}

// Check verifies a single trait value against its declared bound.
// Unknown traits are allowed only for structural mutations adding them;
// the caller decides, Check only reports.
func (b *Bounds) Check(name string, value any) error {
	tb, ok := b.Traits[name]
	if !ok {
		return fmt.Errorf("trait %s is not declared in the bounds manifest", name)
	}

	switch tb.Kind {
	case TraitNumber:
		n, ok := toNumber(value)
		if !ok {
			return fmt.Errorf("trait %s: expected number, got %T", name, value)
		}
		if n < tb.Min || n > tb.Max {
			return fmt.Errorf("trait %s: value %f outside bounds [%f, %f]", name, n, tb.Min, tb.Max)
		}
	case TraitBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("trait %s: expected bool, got %T", name, value)
		}
	}

	return nil
}

// RequiredTraits returns the names of traits the autonomy policy depends on.
func (b *Bounds) RequiredTraits() []string {
	var required []string
	for name, tb := range b.Traits {
		if tb.Required {
			required = append(required, name)
		}
	}
	return required
}

// SeedTraits builds the initial core_traits map from manifest defaults.
func (b *Bounds) SeedTraits() map[string]any {
	traits := make(map[string]any, len(b.Traits))
	for name, tb := range b.Traits {
		if tb.Default != nil {
			traits[name] = tb.Default
			continue
		}
		switch tb.Kind {
		case TraitNumber:
			traits[name] = tb.Min
		case TraitBool:
			traits[name] = false
		}
	}
	return traits
}

// toNumber coerces JSON/TOML numeric representations to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
