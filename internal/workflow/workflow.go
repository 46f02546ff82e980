// Package workflow loads declarative mutation workflow definitions. A
// workflow is an ordered list of mutation steps the autonomy controller
// runs as one logical sequence, with periodic checkpoints.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helixdyn/helix/internal/dna"
)

// Step is one mutation in a workflow.
type Step struct {
	Name          string             `yaml:"name"`
	Type          string             `yaml:"type"`
	Description   string             `yaml:"description"`
	Deltas        map[string]float64 `yaml:"deltas,omitempty"`
	Sets          map[string]any     `yaml:"sets,omitempty"`
	Removes       []string           `yaml:"removes,omitempty"`
	FitnessImpact float64            `yaml:"fitness_impact"`
}

// Draft converts the step into a mutation draft attributed to its workflow.
func (s Step) Draft(workflowName string) dna.Draft {
	return dna.Draft{
		Type:          dna.MutationType(s.Type),
		Description:   s.Description,
		Deltas:        s.Deltas,
		Sets:          s.Sets,
		Removes:       s.Removes,
		FitnessImpact: s.FitnessImpact,
		Source:        fmt.Sprintf("workflow:%s", workflowName),
	}
}

// Workflow is a named sequence of mutation steps.
type Workflow struct {
	Name               string `yaml:"name"`
	Description        string `yaml:"description"`
	CheckpointInterval int    `yaml:"checkpoint_interval"` // 0 means use the configured default
	Steps              []Step `yaml:"steps"`
}

// Validate checks structural requirements before execution.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}
	if w.CheckpointInterval < 0 {
		return fmt.Errorf("workflow %s: negative checkpoint interval", w.Name)
	}
	for i, s := range w.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step %d has no name", w.Name, i)
		}
		switch dna.MutationType(s.Type) {
		case dna.MutationTraitAdjust, dna.MutationStructural, dna.MutationBehavioral:
		default:
			return fmt.Errorf("workflow %s: step %s has invalid type %q", w.Name, s.Name, s.Type)
		}
		if len(s.Deltas) == 0 && len(s.Sets) == 0 && len(s.Removes) == 0 {
			return fmt.Errorf("workflow %s: step %s changes nothing", w.Name, s.Name)
		}
	}
	return nil
}

// Load parses one workflow definition file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadDir loads every .yaml/.yml workflow under dir, sorted by name. A
// missing directory is not an error.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var flows []*Workflow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		w, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		flows = append(flows, w)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	return flows, nil
}
