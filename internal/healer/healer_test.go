package healer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helixdyn/helix/internal/config"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/mutation"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/syncq"
)

const testManifest = `
[traits.speed]
kind = "number"
min = 0.0
max = 10.0
default = 5.0
`

type fixture struct {
	dir     string
	store   *dna.Store
	rb      *rollback.Manager
	queue   *syncq.Queue
	monitor *fitness.Monitor
}

type fixedSource struct{}

func (fixedSource) Payload(kind, ref string) ([]byte, time.Time, error) {
	return []byte("payload-" + kind + "-" + ref), time.Now(), nil
}

// brokenProvider fails every store, driving items to permanent failure.
type brokenProvider struct{ name string }

func (p *brokenProvider) Name() string { return p.name }

func (p *brokenProvider) Store(context.Context, string, []byte) (syncq.Ack, error) {
	return syncq.Ack{}, errors.New("provider unreachable")
}

func (p *brokenProvider) Fetch(context.Context, string) ([]byte, syncq.Ack, error) {
	return nil, syncq.Ack{}, errors.New("provider unreachable")
}

func newFixture(t *testing.T, providers []syncq.Provider, ceiling int) *fixture {
	t.Helper()
	dir := t.TempDir()
	bounds, err := dna.ParseBounds([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	store, err := dna.NewStore(dir, bounds, nil)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := rollback.NewManager(dir, store, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	monitor, err := fitness.NewMonitor(dir, config.FitnessConfig{
		DegradationWindowMinutes: 60,
		DegradationThreshold:     0.05,
		Weights:                  config.FitnessWeights{SuccessRate: 1},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	queue, err := syncq.NewQueue(dir, providers, fixedSource{}, ceiling, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })
	return &fixture{dir: dir, store: store, rb: rb, queue: queue, monitor: monitor}
}

func (f *fixture) healer(maxAttempts int) *Healer {
	return NewHealer(f.store, f.rb, f.queue, f.monitor, nil, maxAttempts, nil)
}

// applyTrait commits a trait change as an applied mutation.
func applyTrait(t *testing.T, store *dna.Store, value float64) {
	t.Helper()
	_, err := store.Commit(func(d *dna.DNA) error {
		d.CoreTraits["speed"] = value
		d.MutationHistory = append(d.MutationHistory, dna.Mutation{
			ID:        "mut_test",
			Type:      dna.MutationTraitAdjust,
			Source:    "test",
			Status:    dna.StatusApplied,
			Timestamp: time.Now(),
		})
		d.Generation++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestParseErrorKind(t *testing.T) {
	for _, s := range []string{"storage_failure", "mutation_failure", "communication_failure", "fitness_degradation"} {
		if _, err := ParseErrorKind(s); err != nil {
			t.Errorf("ParseErrorKind(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseErrorKind("cosmic_ray"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestHealUnknownKind(t *testing.T) {
	f := newFixture(t, nil, 3)
	if _, err := f.healer(3).Heal(context.Background(), ErrorKind("cosmic_ray"), nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestHealMutationFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil, 3)

	snap, err := f.rb.CreateSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	applyTrait(t, f.store, 9.0)

	res, err := f.healer(3).Heal(context.Background(), KindMutationFailure, nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}
	if !res.Healed || res.Escalated || res.Fatal {
		t.Fatalf("result = %+v, want healed", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Action != ActionRollbackLatest {
		t.Errorf("attempts = %+v", res.Attempts)
	}

	if v, _ := f.store.Trait("speed"); v != 5.0 {
		t.Errorf("speed = %v, want restored 5.0", v)
	}
	d, _ := f.store.Read()
	if last := d.LastMutation(); last == nil || last.RollbackData != snap.ID {
		t.Errorf("expected rollback record referencing %s, got %+v", snap.ID, last)
	}
}

func TestHealMutationFailureWithoutSnapshotEscalates(t *testing.T) {
	f := newFixture(t, nil, 3)

	res, err := f.healer(3).Heal(context.Background(), KindMutationFailure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed || !res.Escalated {
		t.Fatalf("result = %+v, want escalated", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Succeeded {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if res.Attempts[0].Error == "" {
		t.Error("failed attempt must carry its error")
	}
}

func TestHealRollbackFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, 3)

	snap, err := f.rb.CreateSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored snapshot so the rollback cannot be verified.
	path := filepath.Join(f.dir, "snapshots", snap.ID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var stored rollback.Snapshot
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	stored.DNABlob = []byte(`{"generation":123}`)
	tampered, _ := json.Marshal(stored)
	if err := os.WriteFile(path, tampered, 0640); err != nil {
		t.Fatal(err)
	}

	res, err := f.healer(3).Heal(context.Background(), KindMutationFailure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fatal || !res.Escalated || res.Healed {
		t.Fatalf("result = %+v, want fatal escalation", res)
	}
	// Fatal stops the strategy walk immediately.
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(res.Attempts))
	}
}

func TestHealStorageFailureViaRetry(t *testing.T) {
	// A healthy queue with nothing failed: the first retry action heals.
	providers := []syncq.Provider{mustFSProvider(t, "primary")}
	f := newFixture(t, providers, 3)

	res, err := f.healer(3).Heal(context.Background(), KindStorageFailure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Healed {
		t.Fatalf("result = %+v, want healed", res)
	}
	if res.Attempts[0].Action != ActionRetrySync {
		t.Errorf("first action = %s", res.Attempts[0].Action)
	}
}

func TestHealStorageFailureSwitchesProvider(t *testing.T) {
	providers := []syncq.Provider{
		&brokenProvider{name: "primary"},
		mustFSProvider(t, "backup"),
	}
	f := newFixture(t, providers, 0) // first failure is permanent

	// Drive the primary item to permanent failure.
	if err := f.queue.Add("primary", "snapshot", "snap_1"); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	errCtx := map[string]any{"provider": "primary", "kind": "snapshot", "ref": "snap_1"}
	res, err := f.healer(3).Heal(context.Background(), KindStorageFailure, errCtx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Healed {
		t.Fatalf("result = %+v, want healed via provider switch", res)
	}
	if got := res.Attempts[len(res.Attempts)-1].Action; got != ActionSwitchProvider {
		t.Errorf("healing action = %s, want %s", got, ActionSwitchProvider)
	}

	items, err := f.queue.Items("backup", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].PayloadRef != "snap_1" {
		t.Errorf("backup items = %+v, want the re-enqueued payload", items)
	}
}

func TestHealStorageFailureExhaustsAndEscalates(t *testing.T) {
	// One broken provider, nowhere to switch to.
	f := newFixture(t, []syncq.Provider{&brokenProvider{name: "primary"}}, 0)

	if err := f.queue.Add("primary", "dna", "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	errCtx := map[string]any{"provider": "primary", "kind": "dna", "ref": "1"}
	res, err := f.healer(3).Heal(context.Background(), KindStorageFailure, errCtx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed || !res.Escalated {
		t.Fatalf("result = %+v, want escalated", res)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts = %d, want the full strategy walked", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if a.Succeeded {
			t.Errorf("attempt %s reported success in an escalated heal", a.Action)
		}
	}
}

func TestHealRespectsAttemptBudget(t *testing.T) {
	f := newFixture(t, []syncq.Provider{&brokenProvider{name: "primary"}}, 0)

	if err := f.queue.Add("primary", "dna", "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := f.healer(1).Heal(context.Background(), KindStorageFailure,
		map[string]any{"provider": "primary", "kind": "dna", "ref": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d, want budget of 1 honored", len(res.Attempts))
	}
	if !res.Escalated {
		t.Error("exhausted budget must escalate")
	}
}

type recordingProposer struct {
	drafts     []dna.Draft
	rolledBack []string
}

func (p *recordingProposer) Propose(draft dna.Draft) (dna.Mutation, error) {
	p.drafts = append(p.drafts, draft)
	return dna.Mutation{ID: "mut_corrective", Status: dna.StatusValidated}, nil
}

func (p *recordingProposer) MarkRolledBack(id, reason string) error {
	p.rolledBack = append(p.rolledBack, id)
	return nil
}

func TestHealFitnessDegradationFallsBackToRollback(t *testing.T) {
	f := newFixture(t, nil, 3)

	if _, err := f.rb.CreateSnapshot(); err != nil {
		t.Fatal(err)
	}
	h := f.healer(3)
	h.SetProposer(&recordingProposer{})

	// No active degradation signal: the correction step fails and the
	// strategy falls through to the rollback.
	res, err := h.Heal(context.Background(), KindFitnessDegradation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Healed {
		t.Fatalf("result = %+v, want healed", res)
	}
	if len(res.Attempts) != 2 ||
		res.Attempts[0].Action != ActionProposeCorrection ||
		res.Attempts[1].Action != ActionRollbackLatest {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestHandlePermanentFailureTriggersHeal(t *testing.T) {
	providers := []syncq.Provider{
		&brokenProvider{name: "primary"},
		mustFSProvider(t, "backup"),
	}
	f := newFixture(t, providers, 0)
	h := f.healer(3)
	f.queue.SetFailureHandler(h)

	if err := f.queue.Add("primary", "dna", "2"); err != nil {
		t.Fatal(err)
	}
	// The permanent failure fires the handler synchronously, which heals by
	// switching to the backup provider.
	if err := f.queue.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	items, err := f.queue.Items("backup", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].PayloadRef != "2" {
		t.Errorf("backup items = %+v, want the failed payload re-enqueued", items)
	}
}

func mustFSProvider(t *testing.T, name string) syncq.Provider {
	t.Helper()
	p, err := syncq.NewFilesystemProvider(name, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHealFeedsHealingSpeedMetric(t *testing.T) {
	f := newFixture(t, nil, 3)
	h := f.healer(3)

	h.finish(&Result{Kind: KindMutationFailure, Healed: true, Message: "rolled back"}, 10*time.Second)

	score, err := f.monitor.CalculateFitness()
	if err != nil {
		t.Fatal(err)
	}
	want := 1.0 / 11.0
	if math.Abs(score.HealingSpeed-want) > 1e-9 {
		t.Errorf("healing speed = %.4f, want %.4f (a 10s heal must feed the metric)", score.HealingSpeed, want)
	}
}

func TestHealMutationFailureSettlesRevertedMutation(t *testing.T) {
	f := newFixture(t, nil, 3)
	bounds, err := dna.ParseBounds([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	engine, err := mutation.NewEngine(f.dir, f.store, bounds, f.rb, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	m, err := engine.Propose(dna.Draft{
		Type:   dna.MutationTraitAdjust,
		Source: "test",
		Deltas: map[string]float64{"speed": 2.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.MarkAutoApproved(m.ID, 0.1); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Apply(m.ID, ""); err != nil {
		t.Fatal(err)
	}

	h := f.healer(3)
	h.SetProposer(engine)

	res, err := h.Heal(context.Background(), KindMutationFailure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Healed {
		t.Fatalf("result = %+v, want healed", res)
	}

	got, _ := engine.Get(m.ID)
	if got.Status != dna.StatusRolledBack {
		t.Errorf("mutation status = %s, want %s", got.Status, dna.StatusRolledBack)
	}

	current, err := f.store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := f.store.Trait("speed"); v != 5.0 {
		t.Errorf("speed = %v, want 5.0 restored", v)
	}
	for _, rec := range current.MutationHistory {
		if rec.ID == m.ID && rec.Status != dna.StatusRolledBack {
			t.Errorf("history status = %s, want %s", rec.Status, dna.StatusRolledBack)
		}
	}
	last := current.MutationHistory[len(current.MutationHistory)-1]
	if last.Type != dna.MutationRollback {
		t.Errorf("last history entry is %s, want rollback record", last.Type)
	}
}
