// Package audit provides the append-only evolution log. Every state-changing
// operation across the core writes one entry here; entries are never deleted.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`  // component or operator identifier
	Action    string    `json:"action"` // e.g. mutation_applied, sync_failed, escalated
	SubjectID string    `json:"subject_id,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Result    string    `json:"result"`
	Detail    any       `json:"detail,omitempty"` // archived payloads (conflict losers etc.)
}

// Status summarizes the log.
type Status struct {
	TotalEntries int            `json:"total_entries"`
	Actions      map[string]int `json:"actions"`
	LastEntry    time.Time      `json:"last_entry"`
}

// Log is an append-only JSONL audit log.
type Log struct {
	path     string
	logger   *slog.Logger
	mu       sync.Mutex
	onAppend func(Entry) // optional hook, used by the event bus
}

// NewLog creates an audit log under baseDir.
func NewLog(baseDir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		path:   filepath.Join(baseDir, "evolution.jsonl"),
		logger: logger.With("component", "audit"),
	}, nil
}

// OnAppend registers a hook invoked after every successful append.
// Must be called before the log is shared across goroutines.
func (l *Log) OnAppend(fn func(Entry)) {
	l.onAppend = fn
}

// Record appends an entry and returns it with id and timestamp filled in.
func (l *Log) Record(actor, action, subjectID, rationale, result string) (Entry, error) {
	return l.RecordDetail(actor, action, subjectID, rationale, result, nil)
}

// RecordDetail appends an entry carrying an arbitrary payload, used for
// archiving conflict losers and exhausted healing chains.
func (l *Log) RecordDetail(actor, action, subjectID, rationale, result string, detail any) (Entry, error) {
	entry := Entry{
		ID:        fmt.Sprintf("audit_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Rationale: rationale,
		Result:    result,
		Detail:    detail,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}

	l.logger.Debug("audit append", "actor", actor, "action", action, "subject", subjectID)

	if l.onAppend != nil {
		l.onAppend(entry)
	}
	return entry, nil
}

// Entries returns the most recent entries, newest last. limit <= 0 returns all.
func (l *Log) Entries(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Status returns a summary of the log.
func (l *Log) Status() (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	status := &Status{
		TotalEntries: len(entries),
		Actions:      make(map[string]int),
	}
	for _, e := range entries {
		status.Actions[e.Action]++
		if e.Timestamp.After(status.LastEntry) {
			status.LastEntry = e.Timestamp
		}
	}
	return status, nil
}

func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // Skip malformed entries
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}
