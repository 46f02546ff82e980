package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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
	"github.com/helixdyn/helix/internal/syncq"
)

const testManifest = `
[traits.speed]
kind = "number"
min = 0.0
max = 10.0
default = 5.0

[traits.safe_mode]
kind = "bool"
default = true
`

type testEnv struct {
	server *Server
	store  *dna.Store
	engine *mutation.Engine
	rb     *rollback.Manager
}

func newTestServer(t *testing.T) *testEnv {
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
	auditLog, err := audit.NewLog(dir, nil)
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
	provider, err := syncq.NewFilesystemProvider("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	queue, err := syncq.NewQueue(dir, []syncq.Provider{provider}, payloadStub{}, 3, auditLog, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })
	engine, err := mutation.NewEngine(dir, store, bounds, rb, queue, auditLog, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	heal := healer.NewHealer(store, rb, queue, monitor, auditLog, 3, nil)
	heal.SetProposer(engine)
	controller := autonomy.NewController(config.AutonomyConfig{
		RiskThreshold:   0.3,
		MaxMutations:    10,
		FitnessDropTrip: 0.3,
		CooldownMinutes: 30,
	}, store, engine, rb, monitor, auditLog, nil)
	sched := scheduler.NewScheduler(nil, nil)

	srv := NewServer(0, Deps{
		Store:      store,
		Engine:     engine,
		Controller: controller,
		Rollback:   rb,
		Monitor:    monitor,
		Queue:      queue,
		Healer:     heal,
		AuditLog:   auditLog,
		Bus:        events.NewBus(nil),
		Scheduler:  sched,
	}, nil)
	srv.startedAt = time.Now()

	return &testEnv{server: srv, store: store, engine: engine, rb: rb}
}

type payloadStub struct{}

func (payloadStub) Payload(kind, ref string) ([]byte, time.Time, error) {
	return []byte("payload-" + kind + "-" + ref), time.Now(), nil
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["generation"] != float64(0) {
		t.Errorf("generation = %v", body["generation"])
	}
	if body["autonomy_level"] != "supervised" {
		t.Errorf("autonomy_level = %v", body["autonomy_level"])
	}

	rec = httptest.NewRecorder()
	env.server.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}

func TestHandleMutateAppliesAutonomously(t *testing.T) {
	env := newTestServer(t)
	if err := env.store.SetAutonomyLevel(dna.AutonomyAutonomous); err != nil {
		t.Fatal(err)
	}

	body := `{"type":"trait_adjust","description":"nudge","deltas":{"speed":0.2},"source":"test"}`
	rec := httptest.NewRecorder()
	env.server.handleMutate(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	// Applied, then settled as stable by the post-apply observation.
	if resp["status"] != "stable" {
		t.Errorf("status = %v, body = %v", resp["status"], resp)
	}
	if env.store.Generation() != 1 {
		t.Errorf("generation = %d, want 1", env.store.Generation())
	}
}

func TestHandleMutateEscalatesWhenSupervised(t *testing.T) {
	env := newTestServer(t)

	body := `{"type":"trait_adjust","deltas":{"speed":0.2},"source":"test"}`
	rec := httptest.NewRecorder()
	env.server.handleMutate(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	if resp["status"] != "escalated" {
		t.Errorf("status = %v", resp["status"])
	}
	if env.store.Generation() != 0 {
		t.Error("escalated mutation must not apply")
	}
}

func TestHandleMutateReportsRejection(t *testing.T) {
	env := newTestServer(t)

	body := `{"type":"trait_adjust","deltas":{"speed":100},"source":"test"}`
	rec := httptest.NewRecorder()
	env.server.handleMutate(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	if resp["status"] != "rejected" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["reason"] == "" || resp["reason"] == nil {
		t.Error("rejection must carry a reason")
	}
}

func TestHandleMutateRejectsBadBody(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleMutate(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader("{nope")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.handleMutate(rec, httptest.NewRequest(http.MethodPost, "/api/mutate",
		strings.NewReader(`{"type":"trait_adjust","surprise":true}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d", rec.Code)
	}
}

func TestHandleMutationDetailAndApprove(t *testing.T) {
	env := newTestServer(t)

	m, err := env.engine.Propose(dna.Draft{
		Type: dna.MutationTraitAdjust, Source: "test",
		Deltas: map[string]float64{"speed": 0.2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.engine.MarkEscalated(m.ID, 0.5, "needs review"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	env.server.handleMutationDetail(rec, httptest.NewRequest(http.MethodGet, "/api/mutations/"+m.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var got dna.Mutation
	decodeJSON(t, rec, &got)
	if got.ID != m.ID || got.Status != dna.StatusEscalated {
		t.Errorf("mutation = %+v", got)
	}

	rec = httptest.NewRecorder()
	env.server.handleMutationDetail(rec, httptest.NewRequest(http.MethodGet, "/api/mutations/mut_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing mutation: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.handleMutationDetail(rec,
		httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/mutations/%s/approve", m.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	if env.store.Generation() != 1 {
		t.Errorf("generation = %d after approval", env.store.Generation())
	}
}

func TestHandleRollback(t *testing.T) {
	env := newTestServer(t)

	snap, err := env.rb.CreateSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	env.server.handleRollback(rec, httptest.NewRequest(http.MethodPost, "/api/rollback",
		strings.NewReader(`{"snapshot_id":"`+snap.ID+`"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res rollback.Result
	decodeJSON(t, rec, &res)
	if !res.Verified || res.Generation != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = httptest.NewRecorder()
	env.server.handleRollback(rec, httptest.NewRequest(http.MethodPost, "/api/rollback",
		strings.NewReader(`{"snapshot_id":"snap_missing"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing snapshot: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.handleRollback(rec, httptest.NewRequest(http.MethodPost, "/api/rollback",
		strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty id: status = %d", rec.Code)
	}
}

func TestHandleHeal(t *testing.T) {
	env := newTestServer(t)
	if _, err := env.rb.CreateSnapshot(); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	env.server.handleHeal(rec, httptest.NewRequest(http.MethodPost, "/api/heal",
		strings.NewReader(`{"error_kind":"mutation_failure"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res healer.Result
	decodeJSON(t, rec, &res)
	if !res.Healed {
		t.Errorf("result = %+v, want healed", res)
	}

	rec = httptest.NewRecorder()
	env.server.handleHeal(rec, httptest.NewRequest(http.MethodPost, "/api/heal",
		strings.NewReader(`{"error_kind":"cosmic_ray"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: status = %d", rec.Code)
	}
}

func TestHandleSync(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleSync(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var st syncq.QueueStatus
	decodeJSON(t, rec, &st)
	if st.PerProvider["local"][syncq.StatusComplete] != 1 {
		t.Errorf("queue status = %+v, want one completed item", st)
	}
}

func TestHandleAutonomy(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleAutonomy(rec, httptest.NewRequest(http.MethodGet, "/api/autonomy", nil))
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["autonomy_level"] != "supervised" {
		t.Errorf("level = %s", resp["autonomy_level"])
	}

	rec = httptest.NewRecorder()
	env.server.handleAutonomy(rec, httptest.NewRequest(http.MethodPost, "/api/autonomy",
		strings.NewReader(`{"autonomy_level":"autonomous"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("set level: status = %d", rec.Code)
	}
	if env.store.AutonomyLevel() != dna.AutonomyAutonomous {
		t.Errorf("level = %s", env.store.AutonomyLevel())
	}

	rec = httptest.NewRecorder()
	env.server.handleAutonomy(rec, httptest.NewRequest(http.MethodPost, "/api/autonomy",
		strings.NewReader(`{"autonomy_level":"anarchic"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad level: status = %d", rec.Code)
	}
}

func TestHandleAuditLimit(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.handleAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}
}

func TestHandleFitnessAndSnapshots(t *testing.T) {
	env := newTestServer(t)

	rec := httptest.NewRecorder()
	env.server.handleFitness(rec, httptest.NewRequest(http.MethodGet, "/api/fitness", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("fitness status = %d", rec.Code)
	}

	if _, err := env.rb.CreateSnapshot(); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	env.server.handleSnapshots(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshots status = %d", rec.Code)
	}
	var metas []rollback.Meta
	decodeJSON(t, rec, &metas)
	if len(metas) != 1 {
		t.Errorf("metas = %d, want 1", len(metas))
	}
}
