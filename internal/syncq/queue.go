// Package syncq is the durable retry queue persisting DNA state and
// snapshots to external storage providers, with exponential backoff and
// integrity verification. Each provider has its own retry timeline;
// providers are drained concurrently with each other but serially within a
// provider.
package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/rollback"
)

// ItemStatus tracks a queued durability operation.
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusInFlight    ItemStatus = "in_flight"
	StatusComplete    ItemStatus = "complete"
	StatusFailed      ItemStatus = "failed_permanently"
	StatusCancelled   ItemStatus = "cancelled"
	maxBackoffSeconds            = 300
)

// Item is one pending durability operation.
type Item struct {
	ID           int64      `json:"id"`
	Provider     string     `json:"target_provider"`
	PayloadKind  string     `json:"payload_kind"` // "dna" or "snapshot"
	PayloadRef   string     `json:"payload_ref"`  // generation or snapshot id
	AttemptCount int        `json:"attempt_count"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	Status       ItemStatus `json:"status"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	LastError    string     `json:"last_error,omitempty"`
}

// PayloadSource resolves a payload reference to the bytes to push and the
// timestamp of that state, used when resolving conflicts.
type PayloadSource interface {
	Payload(kind, ref string) ([]byte, time.Time, error)
}

// FailureHandler receives items that exhausted their retry budget.
type FailureHandler interface {
	HandlePermanentFailure(item Item, lastErr string)
}

// QueueStatus is the external view of the queue.
type QueueStatus struct {
	PerProvider map[string]map[ItemStatus]int `json:"per_provider"`
	Due         int                           `json:"due"`
}

// Queue is the sole writer of sync queue item state, backed by SQLite so
// pending work survives restarts.
type Queue struct {
	db        *sql.DB
	providers map[string]Provider
	source    PayloadSource
	ceiling   int
	onFailure FailureHandler
	auditLog  *audit.Log
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex // serializes queue-state writes; provider work runs outside it
	draining map[string]bool
}

// NewQueue opens (or creates) the durable queue under dataDir.
func NewQueue(dataDir string, providers []Provider, source PayloadSource, ceiling int, auditLog *audit.Log, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "syncq.db"))
	if err != nil {
		return nil, fmt.Errorf("open sync queue db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync queue wal mode: %w", err)
	}

	q := &Queue{
		db:        db,
		providers: make(map[string]Provider, len(providers)),
		source:    source,
		ceiling:   ceiling,
		auditLog:  auditLog,
		logger:    logger.With("component", "syncq"),
		now:       time.Now,
		draining:  make(map[string]bool),
	}
	for _, p := range providers {
		q.providers[p.Name()] = p
	}

	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	// Anything left in_flight by a crash goes back to pending.
	if _, err := db.Exec(`UPDATE sync_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusInFlight); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeue interrupted items: %w", err)
	}

	return q, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// SetFailureHandler wires the self-healer. Must be set before processing.
func (q *Queue) SetFailureHandler(h FailureHandler) { q.onFailure = h }

// ProviderNames lists the configured providers in no particular order.
func (q *Queue) ProviderNames() []string {
	names := make([]string, 0, len(q.providers))
	for name := range q.providers {
		names = append(names, name)
	}
	return names
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`CREATE TABLE IF NOT EXISTS sync_queue (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		provider      TEXT NOT NULL,
		payload_kind  TEXT NOT NULL,
		payload_ref   TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		enqueued_at   INTEGER NOT NULL,
		last_error    TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("migrate sync queue: %w", err)
	}
	return nil
}

// CalculateBackoff returns the delay before retry n+1: min(2^n, 300) seconds.
func CalculateBackoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	secs := int64(1)
	for i := 0; i < attemptCount; i++ {
		secs *= 2
		if secs >= maxBackoffSeconds {
			return maxBackoffSeconds * time.Second
		}
	}
	return time.Duration(secs) * time.Second
}

// Add enqueues one durability operation for one provider.
func (q *Queue) Add(provider, kind, ref string) error {
	if _, ok := q.providers[provider]; !ok {
		return fmt.Errorf("unknown provider: %s", provider)
	}

	now := q.now()
	_, err := q.db.Exec(
		`INSERT INTO sync_queue (provider, payload_kind, payload_ref, attempt_count, next_retry_at, status, enqueued_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		provider, kind, ref, now.Unix(), StatusPending, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s/%s for %s: %w", kind, ref, provider, err)
	}

	q.logger.Debug("sync item enqueued", "provider", provider, "kind", kind, "ref", ref)
	return nil
}

// EnqueueDNA queues the DNA state at the given generation on every provider.
// It implements the mutation engine's Syncer.
func (q *Queue) EnqueueDNA(generation int) error {
	return q.fanOut("dna", fmt.Sprintf("%d", generation))
}

// EnqueueSnapshot queues a snapshot on every provider.
func (q *Queue) EnqueueSnapshot(snapshotID string) error {
	return q.fanOut("snapshot", snapshotID)
}

func (q *Queue) fanOut(kind, ref string) error {
	for name := range q.providers {
		if err := q.Add(name, kind, ref); err != nil {
			return err
		}
	}
	return nil
}

// Cancel cancels a queued item. Items already in flight (or finished)
// cannot be cancelled.
func (q *Queue) Cancel(id int64) error {
	res, err := q.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?`,
		StatusCancelled, id, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel item %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %d is not pending", id)
	}
	return nil
}

// Status summarizes the queue state per provider.
func (q *Queue) Status() (*QueueStatus, error) {
	rows, err := q.db.Query(`SELECT provider, status, COUNT(*) FROM sync_queue GROUP BY provider, status`)
	if err != nil {
		return nil, fmt.Errorf("query queue status: %w", err)
	}
	defer rows.Close()

	st := &QueueStatus{PerProvider: make(map[string]map[ItemStatus]int)}
	for rows.Next() {
		var provider string
		var status ItemStatus
		var count int
		if err := rows.Scan(&provider, &status, &count); err != nil {
			return nil, fmt.Errorf("scan queue status: %w", err)
		}
		if st.PerProvider[provider] == nil {
			st.PerProvider[provider] = make(map[ItemStatus]int)
		}
		st.PerProvider[provider][status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var due int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status = ? AND next_retry_at <= ?`,
		StatusPending, q.now().Unix()).Scan(&due); err != nil {
		return nil, err
	}
	st.Due = due
	return st, nil
}

// Items lists queue items for a provider, newest first. limit <= 0 lists all.
func (q *Queue) Items(provider string, limit int) ([]Item, error) {
	query := `SELECT id, provider, payload_kind, payload_ref, attempt_count, next_retry_at, status, enqueued_at, last_error
		FROM sync_queue WHERE provider = ? ORDER BY id DESC`
	args := []any{provider}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ProcessQueue attempts every due item, draining providers concurrently and
// each provider serially, so no provider sees overlapping attempts.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for name := range q.providers {
		q.mu.Lock()
		if q.draining[name] {
			q.mu.Unlock()
			continue
		}
		q.draining[name] = true
		q.mu.Unlock()

		provider := name
		g.Go(func() error {
			defer func() {
				q.mu.Lock()
				q.draining[provider] = false
				q.mu.Unlock()
			}()
			return q.drainProvider(gCtx, provider)
		})
	}

	return g.Wait()
}

func (q *Queue) drainProvider(ctx context.Context, provider string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, ok, err := q.nextDue(provider)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		q.attempt(ctx, item)
	}
}

// nextDue claims the oldest due pending item for a provider, marking it
// in_flight.
func (q *Queue) nextDue(provider string) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(
		`SELECT id, provider, payload_kind, payload_ref, attempt_count, next_retry_at, status, enqueued_at, last_error
		 FROM sync_queue
		 WHERE provider = ? AND status = ? AND next_retry_at <= ?
		 ORDER BY id ASC LIMIT 1`,
		provider, StatusPending, q.now().Unix(),
	)
	item, err := scanItemRow(row)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}

	if _, err := q.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ?`, StatusInFlight, item.ID); err != nil {
		return Item{}, false, fmt.Errorf("mark in_flight: %w", err)
	}
	item.Status = StatusInFlight
	return item, true, nil
}

func (q *Queue) attempt(ctx context.Context, item Item) {
	err := q.syncOne(ctx, item)
	if err == nil {
		if _, dbErr := q.db.Exec(`UPDATE sync_queue SET status = ?, last_error = '' WHERE id = ?`,
			StatusComplete, item.ID); dbErr != nil {
			q.logger.Error("failed to mark item complete", "id", item.ID, "error", dbErr)
		}
		q.record("sync_complete", item, "ok")
		q.logger.Info("sync complete", "provider", item.Provider, "kind", item.PayloadKind, "ref", item.PayloadRef)
		return
	}

	attempts := item.AttemptCount + 1
	if attempts > q.ceiling {
		if _, dbErr := q.db.Exec(`UPDATE sync_queue SET status = ?, attempt_count = ?, last_error = ? WHERE id = ?`,
			StatusFailed, attempts, err.Error(), item.ID); dbErr != nil {
			q.logger.Error("failed to mark item failed", "id", item.ID, "error", dbErr)
		}
		item.AttemptCount = attempts
		item.Status = StatusFailed
		q.record("sync_failed_permanently", item, err.Error())
		q.logger.Error("sync failed permanently",
			"provider", item.Provider, "ref", item.PayloadRef, "attempts", attempts, "error", err)
		if q.onFailure != nil {
			q.onFailure.HandlePermanentFailure(item, err.Error())
		}
		return
	}

	nextRetry := q.now().Add(CalculateBackoff(attempts))
	if _, dbErr := q.db.Exec(`UPDATE sync_queue SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?`,
		StatusPending, attempts, nextRetry.Unix(), err.Error(), item.ID); dbErr != nil {
		q.logger.Error("failed to reschedule item", "id", item.ID, "error", dbErr)
	}
	q.logger.Warn("sync attempt failed",
		"provider", item.Provider, "ref", item.PayloadRef,
		"attempt", attempts, "next_retry", nextRetry.Format(time.RFC3339), "error", err)
}

// syncOne pushes one item's payload and verifies the ack.
func (q *Queue) syncOne(ctx context.Context, item Item) error {
	provider, ok := q.providers[item.Provider]
	if !ok {
		return fmt.Errorf("unknown provider: %s", item.Provider)
	}

	blob, payloadTime, err := q.source.Payload(item.PayloadKind, item.PayloadRef)
	if err != nil {
		return fmt.Errorf("resolve payload: %w", err)
	}

	key := fmt.Sprintf("%s-%s", item.PayloadKind, item.PayloadRef)
	ack, err := provider.Store(ctx, key, blob)
	if err != nil {
		return err
	}

	if !VerifyIntegrity(blob, ack) {
		return q.resolveConflict(ctx, provider, key, item, blob, payloadTime, ack)
	}
	return nil
}

// VerifyIntegrity compares the local blob's checksum against the remote ack.
func VerifyIntegrity(localBlob []byte, remoteAck Ack) bool {
	return rollback.Checksum(localBlob) == remoteAck.Checksum
}

// resolveConflict applies timestamp-based resolution: the side with the
// later timestamp wins, and the loser is archived to the audit log for
// manual inspection, never discarded.
func (q *Queue) resolveConflict(ctx context.Context, provider Provider, key string, item Item, localBlob []byte, localTime time.Time, remoteAck Ack) error {
	remoteBlob, _, fetchErr := provider.Fetch(ctx, key)

	if localTime.After(remoteAck.Timestamp) {
		// Local wins: archive the remote copy, then push ours again. An
		// unfetchable remote leaves nothing to archive; overwriting it is
		// still correct, so record the gap rather than an empty blob.
		if fetchErr != nil {
			q.logger.Warn("conflict loser not archived, remote fetch failed",
				"provider", item.Provider, "key", key, "error", fetchErr)
		} else {
			q.archive(item, "remote", remoteBlob, remoteAck.Timestamp)
		}
		ack, err := provider.Store(ctx, key, localBlob)
		if err != nil {
			return fmt.Errorf("re-store after conflict: %w", err)
		}
		if !VerifyIntegrity(localBlob, ack) {
			return fmt.Errorf("integrity mismatch persists after conflict resolution for %s", key)
		}
		q.logger.Warn("sync conflict resolved, local wins", "provider", item.Provider, "key", key)
		return nil
	}

	// Remote wins: archive our copy and accept the remote state.
	if fetchErr != nil {
		return fmt.Errorf("fetch remote for conflict resolution: %w", fetchErr)
	}
	q.archive(item, "local", localBlob, localTime)
	q.logger.Warn("sync conflict resolved, remote wins", "provider", item.Provider, "key", key)
	return nil
}

func (q *Queue) archive(item Item, side string, blob []byte, ts time.Time) {
	if q.auditLog == nil {
		return
	}
	_, err := q.auditLog.RecordDetail(
		"sync-queue",
		"conflict_archived",
		item.PayloadRef,
		fmt.Sprintf("%s copy lost timestamp-based conflict resolution on provider %s", side, item.Provider),
		"archived",
		map[string]any{
			"provider":  item.Provider,
			"kind":      item.PayloadKind,
			"side":      side,
			"timestamp": ts,
			"blob":      string(blob),
		},
	)
	if err != nil {
		q.logger.Error("failed to archive conflict loser", "error", err)
	}
}

func (q *Queue) record(action string, item Item, result string) {
	if q.auditLog == nil {
		return
	}
	rationale := fmt.Sprintf("%s/%s on %s after %d attempts", item.PayloadKind, item.PayloadRef, item.Provider, item.AttemptCount)
	if _, err := q.auditLog.Record("sync-queue", action, item.PayloadRef, rationale, result); err != nil {
		q.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

type rowScanner interface{ Scan(dest ...any) error }

func scanItem(rows *sql.Rows) (Item, error) { return scanItemRow(rows) }

func scanItemRow(row rowScanner) (Item, error) {
	var item Item
	var nextRetry, enqueued int64
	err := row.Scan(&item.ID, &item.Provider, &item.PayloadKind, &item.PayloadRef,
		&item.AttemptCount, &nextRetry, &item.Status, &enqueued, &item.LastError)
	if err != nil {
		return Item{}, err
	}
	item.NextRetryAt = time.Unix(nextRetry, 0)
	item.EnqueuedAt = time.Unix(enqueued, 0)
	return item, nil
}
