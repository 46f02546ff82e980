// Package fitness records operational metrics, computes the composite
// fitness score, and detects degradation trends over the sample series.
package fitness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/helixdyn/helix/internal/config"
	"github.com/helixdyn/helix/internal/dna"
)

// Score is one fitness sample. Samples are append-only and never mutated.
type Score struct {
	Overall        float64   `json:"overall"`
	SuccessRate    float64   `json:"success_rate"`
	HealingSpeed   float64   `json:"healing_speed"`
	CostEfficiency float64   `json:"cost_efficiency"`
	Uptime         float64   `json:"uptime"`
	Timestamp      time.Time `json:"timestamp"`
}

// DegradationSignal reports a trend drop between two consecutive windows.
type DegradationSignal struct {
	Drop        float64   `json:"drop"` // relative, e.g. 0.07 = 7%
	CurrentMean float64   `json:"current_mean"`
	PriorMean   float64   `json:"prior_mean"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// operation is one ingested event feeding the rolling buffers.
type operation struct {
	Kind    string
	Success bool
	Latency time.Duration
	Cost    float64
	At      time.Time
}

// Monitor is the sole writer of fitness samples. Recording is safe for
// concurrent writers from multiple operation sources.
type Monitor struct {
	mu        sync.Mutex
	ops       []operation
	series    []Score
	weights   config.FitnessWeights
	window    time.Duration
	threshold float64
	startedAt time.Time
	downtime  time.Duration
	path      string
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor creates a fitness monitor, loading any persisted sample series
// from dataDir.
func NewMonitor(dataDir string, cfg config.FitnessConfig, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create fitness directory: %w", err)
	}

	m := &Monitor{
		weights:   cfg.Weights,
		window:    time.Duration(cfg.DegradationWindowMinutes) * time.Minute,
		threshold: cfg.DegradationThreshold,
		startedAt: time.Now(),
		path:      filepath.Join(dataDir, "fitness.jsonl"),
		logger:    logger.With("component", "fitness"),
		now:       time.Now,
	}

	if err := m.loadSeries(); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordOperation ingests one event. kind "heal" feeds healing speed;
// kind "outage" records downtime via latency; everything else feeds the
// success and cost metrics.
func (m *Monitor) RecordOperation(kind string, success bool, latency time.Duration, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.ops = append(m.ops, operation{Kind: kind, Success: success, Latency: latency, Cost: cost, At: now})
	if kind == "outage" {
		m.downtime += latency
	}

	// Keep two degradation windows of raw events; older ones no longer feed
	// any sub-metric.
	cutoff := now.Add(-2 * m.window)
	trimmed := m.ops[:0]
	for _, op := range m.ops {
		if op.At.After(cutoff) {
			trimmed = append(trimmed, op)
		}
	}
	m.ops = trimmed
}

// CalculateFitness computes the weighted composite from the rolling buffers
// and appends the sample to the series.
func (m *Monitor) CalculateFitness() (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	score := Score{Timestamp: now}

	var total, successes int
	var healLatency time.Duration
	var heals int
	var cost float64

	cutoff := now.Add(-m.window)
	for _, op := range m.ops {
		if !op.At.After(cutoff) || op.Kind == "outage" {
			continue
		}
		total++
		if op.Success {
			successes++
		}
		cost += op.Cost
		if op.Kind == "heal" {
			heals++
			healLatency += op.Latency
		}
	}

	if total > 0 {
		score.SuccessRate = float64(successes) / float64(total)
	} else {
		score.SuccessRate = 1.0 // no operations, nothing failed
	}

	// Lower latency = better (invert)
	if heals > 0 {
		avgSec := (healLatency / time.Duration(heals)).Seconds()
		score.HealingSpeed = 1.0 / (1.0 + avgSec)
	} else {
		score.HealingSpeed = 1.0
	}

	// Lower cost = better (invert)
	score.CostEfficiency = 1.0 / (1.0 + cost)

	elapsed := now.Sub(m.startedAt)
	if elapsed > m.window {
		elapsed = m.window
	}
	if elapsed > 0 {
		down := m.downtime
		if down > elapsed {
			down = elapsed
		}
		score.Uptime = 1.0 - down.Seconds()/elapsed.Seconds()
	} else {
		score.Uptime = 1.0
	}

	score.Overall = m.weights.SuccessRate*score.SuccessRate +
		m.weights.HealingSpeed*score.HealingSpeed +
		m.weights.CostEfficiency*score.CostEfficiency +
		m.weights.Uptime*score.Uptime

	m.series = append(m.series, score)
	if err := m.appendSample(score); err != nil {
		return score, err
	}

	m.logger.Debug("fitness sampled",
		"overall", score.Overall,
		"success_rate", score.SuccessRate,
		"uptime", score.Uptime,
	)
	return score, nil
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (Score, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.series) == 0 {
		return Score{}, false
	}
	return m.series[len(m.series)-1], true
}

// Series returns a copy of the sample series, oldest first.
func (m *Monitor) Series() []Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Score, len(m.series))
	copy(out, m.series)
	return out
}

// DetectDegradation compares the mean overall score over the trailing window
// against the prior comparable window. A relative drop exceeding the
// configured threshold raises a signal; anything less returns nil.
func (m *Monitor) DetectDegradation() *DegradationSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	currentStart := now.Add(-m.window)
	priorStart := now.Add(-2 * m.window)

	currentMean, currentN := m.meanBetween(currentStart, now)
	priorMean, priorN := m.meanBetween(priorStart, currentStart)

	if currentN == 0 || priorN == 0 || priorMean <= 0 {
		return nil
	}

	drop := (priorMean - currentMean) / priorMean
	if drop <= m.threshold {
		return nil
	}

	m.logger.Warn("fitness degradation detected",
		"drop", drop,
		"prior_mean", priorMean,
		"current_mean", currentMean,
	)
	return &DegradationSignal{
		Drop:        drop,
		CurrentMean: currentMean,
		PriorMean:   priorMean,
		WindowStart: currentStart,
		WindowEnd:   now,
	}
}

// SuggestOptimization maps a degradation signal to a candidate corrective
// mutation: revert the numeric deltas of the most recently applied
// trait-adjusting mutation. Advisory only, never auto-applied.
func (m *Monitor) SuggestOptimization(signal *DegradationSignal, d *dna.DNA) *dna.Draft {
	if signal == nil || d == nil {
		return nil
	}

	for i := len(d.MutationHistory) - 1; i >= 0; i-- {
		mut := d.MutationHistory[i]
		if mut.Type == dna.MutationRollback || len(mut.Deltas) == 0 {
			continue
		}
		inverse := make(map[string]float64, len(mut.Deltas))
		for trait, delta := range mut.Deltas {
			inverse[trait] = -delta
		}
		return &dna.Draft{
			Type: dna.MutationTraitAdjust,
			Description: fmt.Sprintf("revert deltas of %s after %.1f%% fitness drop",
				mut.ID, signal.Drop*100),
			Deltas:        inverse,
			FitnessImpact: signal.PriorMean - signal.CurrentMean,
			Source:        "fitness-monitor",
		}
	}
	return nil
}

// meanBetween averages Overall over samples in (from, to]. Caller holds mu.
func (m *Monitor) meanBetween(from, to time.Time) (float64, int) {
	var sum float64
	var n int
	for _, s := range m.series {
		if s.Timestamp.After(from) && !s.Timestamp.After(to) {
			sum += s.Overall
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	mean := sum / float64(n)
	if math.IsNaN(mean) {
		return 0, 0
	}
	return mean, n
}

func (m *Monitor) appendSample(s Score) error {
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open fitness series: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal fitness sample: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write fitness sample: %w", err)
	}
	return nil
}

func (m *Monitor) loadSeries() error {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open fitness series: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s Score
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue // Skip malformed samples
		}
		m.series = append(m.series, s)
	}
	return scanner.Err()
}
