package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/helixdyn/helix/internal/api"
	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/autonomy"
	"github.com/helixdyn/helix/internal/config"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/events"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/healer"
	"github.com/helixdyn/helix/internal/mutation"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/scheduler"
	"github.com/helixdyn/helix/internal/security"
	"github.com/helixdyn/helix/internal/syncq"
	"github.com/helixdyn/helix/internal/workflow"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all runtime components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar
	Bounds     *dna.Bounds
	Store      *dna.Store
	AuditLog   *audit.Log
	Bus        *events.Bus
	MQTT       *events.MQTTPublisher
	Rollback   *rollback.Manager
	Monitor    *fitness.Monitor
	Queue      *syncq.Queue
	Engine     *mutation.Engine
	Healer     *healer.Healer
	Controller *autonomy.Controller
	Scheduler  *scheduler.Scheduler
	APIServer  *api.Server
	Watcher    *config.Watcher

	apiCancel context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("helixd", flag.ExitOnError)
	configPath := fs.String("config", "helix.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")

	args := os.Args[1:]
	var subCmd string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		subCmd = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("helixd v%s (built %s)\n", version, buildTime)
		fmt.Println("Autonomous mutation and recovery daemon")
		return 0
	}

	switch subCmd {
	case "":
		// server start
	case "keygen":
		return keygenCommand(*configPath)
	case "workflow":
		return workflowCommand(*configPath, fs.Args())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
		fmt.Fprintln(os.Stderr, "Available commands: keygen, workflow")
		return 1
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	app.Logger.Info("helixd running",
		"port", app.Config.Server.Port,
		"generation", app.Store.Generation(),
		"autonomy_level", app.Store.AutonomyLevel(),
	)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{LogLevel: &slog.LevelVar{}}
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.LogLevel,
	}))

	app.Logger.Info("starting helixd", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))

	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Trait bounds, optionally signature-verified against the owner key.
	bounds, err := dna.LoadBounds(cfg.Security.BoundsManifest)
	if err != nil {
		return nil, fmt.Errorf("load trait bounds: %w", err)
	}
	app.Bounds = bounds

	var ownerKey ed25519.PublicKey
	var boundsSig []byte
	if cfg.Security.OwnerPublicKey != "" && cfg.Security.BoundsSignature != "" {
		ownerKey, boundsSig, err = loadSignature(cfg.Security)
		if err != nil {
			return nil, fmt.Errorf("load bounds signature: %w", err)
		}
		ok, err := security.VerifyBounds(bounds, boundsSig, ownerKey)
		if err != nil {
			return nil, fmt.Errorf("verify trait bounds: %w", err)
		}
		if !ok {
			return nil, security.ErrInvalidSignature
		}
		app.Logger.Info("trait bounds signature verified")
	}

	store, err := dna.NewStore(dataDir, bounds, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open dna store: %w", err)
	}
	app.Store = store

	auditLog, err := audit.NewLog(dataDir, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	app.AuditLog = auditLog

	bus := events.NewBus(app.Logger)
	app.Bus = bus
	auditLog.OnAppend(func(e audit.Entry) {
		bus.Publish(events.KindAudit, e)
	})

	if cfg.Events.MQTT != nil {
		pub, err := events.NewMQTTPublisher(cfg.Events.MQTT, app.Logger)
		if err != nil {
			app.Logger.Warn("mqtt publisher unavailable", "error", err)
		} else {
			bus.AddSink(pub)
			app.MQTT = pub
		}
	}

	rb, err := rollback.NewManager(dataDir, store, cfg.Rollback.RetainSnapshots, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create rollback manager: %w", err)
	}
	app.Rollback = rb

	monitor, err := fitness.NewMonitor(dataDir, cfg.Fitness, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create fitness monitor: %w", err)
	}
	app.Monitor = monitor

	providers := make([]syncq.Provider, 0, len(cfg.Sync.Providers))
	for _, pc := range cfg.Sync.Providers {
		p, err := syncq.NewProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("create sync provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	source := &payloadSource{store: store, rollback: rb}
	queue, err := syncq.NewQueue(dataDir, providers, source, cfg.Sync.RetryCeiling, auditLog, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	app.Queue = queue

	engine, err := mutation.NewEngine(dataDir, store, bounds, rb, queue, auditLog, bus, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create mutation engine: %w", err)
	}
	if ownerKey != nil {
		engine.SetBoundsSignature(ownerKey, boundsSig)
	}
	app.Engine = engine

	heal := healer.NewHealer(store, rb, queue, monitor, auditLog, cfg.Healing.MaxAttempts, app.Logger)
	heal.SetProposer(engine)
	queue.SetFailureHandler(heal)
	app.Healer = heal

	app.Controller = autonomy.NewController(cfg.Autonomy, store, engine, rb, monitor, auditLog, app.Logger)

	sched := scheduler.NewScheduler(&maintenanceExec{app: app}, app.Logger)
	if err := sched.LoadJobs(jobsFromConfig(cfg.Jobs)); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	app.Scheduler = sched

	app.APIServer = api.NewServer(cfg.Server.Port, api.Deps{
		Store:      store,
		Engine:     engine,
		Controller: app.Controller,
		Rollback:   rb,
		Monitor:    monitor,
		Queue:      queue,
		Healer:     heal,
		AuditLog:   auditLog,
		Bus:        bus,
		Scheduler:  sched,
		JWTSecret:  []byte(cfg.Security.JWTSecret),
	}, app.Logger)

	// Hot-reload the log level when the config file changes on disk.
	app.Watcher = config.NewWatcher(configPath, 5*time.Second, app.Logger, func(next *config.Config) {
		app.LogLevel.Set(parseLogLevel(next.Server.LogLevel))
	})

	return app, nil
}

// loadConfig loads configuration from file, creating a default when absent.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadSignature(sec config.SecurityConfig) (ed25519.PublicKey, []byte, error) {
	keyHex, err := os.ReadFile(sec.OwnerPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read owner key: %w", err)
	}
	key, err := hex.DecodeString(string(trimSpace(keyHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode owner key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("owner key has wrong length: %d", len(key))
	}

	sigHex, err := os.ReadFile(sec.BoundsSignature)
	if err != nil {
		return nil, nil, fmt.Errorf("read bounds signature: %w", err)
	}
	sig, err := hex.DecodeString(string(trimSpace(sigHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode bounds signature: %w", err)
	}
	return ed25519.PublicKey(key), sig, nil
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func jobsFromConfig(jobs []config.JobConfig) []*scheduler.Job {
	out := make([]*scheduler.Job, 0, len(jobs))
	for _, jc := range jobs {
		out = append(out, &scheduler.Job{
			ID:      jc.ID,
			Action:  jc.Action,
			Enabled: jc.Enabled,
			Schedule: scheduler.ScheduleConfig{
				Kind:       jc.Kind,
				IntervalMs: int64(jc.IntervalMs),
				Expr:       jc.Expr,
			},
		})
	}
	return out
}

// startServices starts the scheduler, the config watcher, and the API server.
func startServices(app *App) error {
	ctx, cancel := context.WithCancel(context.Background())
	app.apiCancel = cancel

	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	app.Watcher.Start()

	go func() {
		if err := app.APIServer.Start(ctx); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, then shuts everything down.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig)

	if app.apiCancel != nil {
		app.apiCancel()
	}
	app.Watcher.Stop()
	app.Scheduler.Stop()
	if app.MQTT != nil {
		app.MQTT.Close()
	}
	if err := app.Queue.Close(); err != nil {
		app.Logger.Error("failed to close sync queue", "error", err)
	}

	app.Logger.Info("helixd stopped")
	return nil
}

// keygenCommand generates an owner keypair and signs the configured
// bounds manifest with it.
func keygenCommand(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
	}

	bounds, err := dna.LoadBounds(cfg.Security.BoundsManifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load trait bounds: %v\n", err)
		return 1
	}

	pub, priv, err := security.GenerateOwnerKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keypair: %v\n", err)
		return 1
	}
	sig, err := security.SignBounds(bounds, priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign bounds: %v\n", err)
		return 1
	}

	dir := filepath.Dir(cfg.Security.BoundsManifest)
	pubPath := filepath.Join(dir, "owner.pub")
	keyPath := filepath.Join(dir, "owner.key")
	sigPath := filepath.Join(dir, "bounds.sig")

	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0640); err != nil {
		fmt.Fprintf(os.Stderr, "write public key: %v\n", err)
		return 1
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "write private key: %v\n", err)
		return 1
	}
	if err := os.WriteFile(sigPath, []byte(hex.EncodeToString(sig)+"\n"), 0640); err != nil {
		fmt.Fprintf(os.Stderr, "write signature: %v\n", err)
		return 1
	}

	fmt.Printf("owner key written to %s (keep %s private)\n", pubPath, keyPath)
	fmt.Printf("bounds signature written to %s\n", sigPath)
	fmt.Println("set security.ownerPublicKey and security.boundsSignature in the config to enable verification")
	return 0
}

// workflowCommand runs one workflow definition to completion and prints
// the result.
func workflowCommand(configPath string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: helixd workflow <file.yaml>")
		return 1
	}

	wf, err := workflow.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		return 1
	}

	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Queue.Close()

	result, err := app.Controller.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow failed: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if result.Halted {
		return 1
	}
	return 0
}

// payloadSource resolves sync queue payload references to bytes.
type payloadSource struct {
	store    *dna.Store
	rollback *rollback.Manager
}

func (p *payloadSource) Payload(kind, ref string) ([]byte, time.Time, error) {
	switch kind {
	case "dna":
		d, err := p.store.Read()
		if err != nil {
			return nil, time.Time{}, err
		}
		blob, err := json.Marshal(d)
		if err != nil {
			return nil, time.Time{}, err
		}
		ts := time.Now()
		if last := d.LastMutation(); last != nil {
			ts = last.Timestamp
		}
		return blob, ts, nil
	case "snapshot":
		snap, err := p.rollback.Get(ref)
		if err != nil {
			return nil, time.Time{}, err
		}
		return snap.DNABlob, snap.CreatedAt, nil
	default:
		return nil, time.Time{}, fmt.Errorf("unknown payload kind: %s", kind)
	}
}

// maintenanceExec adapts runtime components to the scheduler's actions.
type maintenanceExec struct {
	app *App
}

func (m *maintenanceExec) TakeCheckpoint(ctx context.Context) error {
	snap, err := m.app.Rollback.CreateSnapshot()
	if err != nil {
		return err
	}
	return m.app.Queue.EnqueueSnapshot(snap.ID)
}

func (m *maintenanceExec) SampleFitness(ctx context.Context) error {
	score, err := m.app.Monitor.CalculateFitness()
	if err != nil {
		return err
	}
	m.app.Bus.Publish(events.KindFitness, score)
	return nil
}

func (m *maintenanceExec) DrainQueue(ctx context.Context) error {
	return m.app.Queue.ProcessQueue(ctx)
}

func (m *maintenanceExec) CheckDegradation(ctx context.Context) error {
	_, err := m.app.Controller.CheckDegradation()
	return err
}
