package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all helix configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Autonomy controller settings
	Autonomy AutonomyConfig `json:"autonomy"`

	// Fitness monitor settings
	Fitness FitnessConfig `json:"fitness"`

	// Rollback manager settings
	Rollback RollbackConfig `json:"rollback"`

	// Sync queue settings
	Sync SyncConfig `json:"sync"`

	// Self-healer settings
	Healing HealingConfig `json:"healing"`

	// Event publishing settings
	Events EventsConfig `json:"events"`

	// Security settings (bounds signing, API auth)
	Security SecurityConfig `json:"security"`

	// Scheduled jobs (checkpoints, sampling, queue drains)
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

// AutonomyConfig governs risk scoring and auto-approval.
type AutonomyConfig struct {
	RiskThreshold       float64 `json:"riskThreshold"`       // mutations below this may auto-apply
	MaxMutations        int     `json:"maxMutations"`        // per workflow run
	CheckpointInterval  int     `json:"checkpointInterval"`  // snapshot every N workflow actions
	MaxMutationsPerHour int     `json:"maxMutationsPerHour"` // rate limit on applies
	FitnessDropTrip     float64 `json:"fitnessDropTrip"`     // circuit breaker trip fraction
	CooldownMinutes     int     `json:"cooldownMinutes"`     // circuit breaker cooldown
}

// FitnessConfig governs metric sampling and degradation detection.
type FitnessConfig struct {
	SampleIntervalSeconds    int            `json:"sampleIntervalSeconds"`
	DegradationWindowMinutes int            `json:"degradationWindowMinutes"`
	DegradationThreshold     float64        `json:"degradationThreshold"` // relative drop, e.g. 0.05
	Weights                  FitnessWeights `json:"weights"`
}

// FitnessWeights are the composite score weights. They should sum to 1.0.
type FitnessWeights struct {
	SuccessRate    float64 `json:"successRate"`
	HealingSpeed   float64 `json:"healingSpeed"`
	CostEfficiency float64 `json:"costEfficiency"`
	Uptime         float64 `json:"uptime"`
}

type RollbackConfig struct {
	RetainSnapshots int `json:"retainSnapshots"`
}

// SyncConfig holds the retry queue and external provider settings.
type SyncConfig struct {
	RetryCeiling int              `json:"retryCeiling"` // attempts before failed_permanently
	Providers    []ProviderConfig `json:"providers"`
}

// ProviderConfig describes one external storage target.
type ProviderConfig struct {
	Name string `json:"name"`
	Type string `json:"type"` // "filesystem" (git/document providers plug in the same way)
	Path string `json:"path,omitempty"`
}

type HealingConfig struct {
	MaxAttempts int `json:"maxAttempts"`
}

type EventsConfig struct {
	MQTT *MQTTConfig `json:"mqtt,omitempty"`
}

type MQTTConfig struct {
	BrokerURL string `json:"brokerUrl"`
	ClientID  string `json:"clientId"`
	Topic     string `json:"topic"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// SecurityConfig points at the signed trait-bounds manifest and API auth secret.
type SecurityConfig struct {
	BoundsManifest  string `json:"boundsManifest"`            // path to bounds.toml
	BoundsSignature string `json:"boundsSignature,omitempty"` // path to bounds.sig
	OwnerPublicKey  string `json:"ownerPublicKey,omitempty"`  // hex-encoded Ed25519 key
	JWTSecret       string `json:"jwtSecret,omitempty"`       // empty disables API auth
}

// JobConfig describes one scheduled job.
type JobConfig struct {
	ID         string `json:"id"`
	Action     string `json:"action"` // checkpoint, sample_fitness, drain_queue, check_degradation
	Kind       string `json:"kind"`   // "interval" or "cron"
	IntervalMs int    `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Enabled    bool   `json:"enabled"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  "data",
			LogLevel: "info",
		},
		Autonomy: AutonomyConfig{
			RiskThreshold:       0.3,
			MaxMutations:        10,
			CheckpointInterval:  5,
			MaxMutationsPerHour: 10,
			FitnessDropTrip:     0.30,
			CooldownMinutes:     60,
		},
		Fitness: FitnessConfig{
			SampleIntervalSeconds:    60,
			DegradationWindowMinutes: 60,
			DegradationThreshold:     0.05,
			Weights: FitnessWeights{
				SuccessRate:    0.4,
				HealingSpeed:   0.2,
				CostEfficiency: 0.2,
				Uptime:         0.2,
			},
		},
		Rollback: RollbackConfig{
			RetainSnapshots: 50,
		},
		Sync: SyncConfig{
			RetryCeiling: 8,
			Providers: []ProviderConfig{
				{Name: "local", Type: "filesystem", Path: "data/remote"},
			},
		},
		Healing: HealingConfig{
			MaxAttempts: 3,
		},
		Security: SecurityConfig{
			BoundsManifest: "bounds.toml",
		},
		Jobs: []JobConfig{
			{ID: "checkpoint", Action: "checkpoint", Kind: "interval", IntervalMs: 600000, Enabled: true},
			{ID: "sample-fitness", Action: "sample_fitness", Kind: "interval", IntervalMs: 60000, Enabled: true},
			{ID: "drain-queue", Action: "drain_queue", Kind: "interval", IntervalMs: 1000, Enabled: true},
			{ID: "check-degradation", Action: "check_degradation", Kind: "interval", IntervalMs: 300000, Enabled: true},
		},
	}
}

// Load reads configuration from a JSON file, filling in defaults for
// anything the file does not set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	return os.WriteFile(path, data, 0640)
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Autonomy.RiskThreshold < 0 || c.Autonomy.RiskThreshold > 1 {
		return fmt.Errorf("riskThreshold must be between 0 and 1, got %f", c.Autonomy.RiskThreshold)
	}
	if c.Fitness.DegradationThreshold <= 0 || c.Fitness.DegradationThreshold >= 1 {
		return fmt.Errorf("degradationThreshold must be in (0,1), got %f", c.Fitness.DegradationThreshold)
	}
	if c.Rollback.RetainSnapshots < 1 {
		return fmt.Errorf("retainSnapshots must be at least 1, got %d", c.Rollback.RetainSnapshots)
	}
	if c.Sync.RetryCeiling < 1 {
		return fmt.Errorf("retryCeiling must be at least 1, got %d", c.Sync.RetryCeiling)
	}
	if c.Healing.MaxAttempts < 1 {
		return fmt.Errorf("healing maxAttempts must be at least 1, got %d", c.Healing.MaxAttempts)
	}
	names := make(map[string]bool)
	for _, p := range c.Sync.Providers {
		if p.Name == "" {
			return fmt.Errorf("sync provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate sync provider name: %s", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}
