package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/shared"
)

// Schema creates the audit_log table. It is run as a datastore bootstrap
// statement.
const Schema = `CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	access TEXT NOT NULL,
	descriptor TEXT NOT NULL,
	decision TEXT NOT NULL,
	source TEXT NOT NULL,
	policy_version TEXT NOT NULL DEFAULT ''
);`

// Entry is one permission decision.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	TaskID        string `json:"task_id"`
	Kind          string `json:"kind"`
	Access        string `json:"access"`
	Descriptor    string `json:"descriptor"`
	Decision      string `json:"decision"`
	Source        string `json:"source"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Trail appends permission decisions to <home>/logs/audit.jsonl and, when a
// store is attached, to the audit_log table. Writes are best effort: a
// failing sink is logged and never blocks the decision.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	store  *datastore.Client
	logger *slog.Logger

	denyCount atomic.Int64
}

// Open creates the JSONL trail under homeDir. An empty homeDir disables the
// file sink.
func Open(homeDir string, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trail{logger: logger}
	if homeDir == "" {
		return t, nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	t.file = f
	return t, nil
}

// SetStore attaches the data store used for audit_log table writes.
func (t *Trail) SetStore(c *datastore.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = c
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since startup.
func (t *Trail) DenyCount() int64 {
	return t.denyCount.Load()
}

// Record appends e. A nil Trail discards entries.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	if e.Decision == "deny_once" || e.Decision == "deny_always" {
		t.denyCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		if id := shared.TraceID(ctx); id != "-" {
			e.TraceID = id
		}
	}
	e.Descriptor = shared.Redact(e.Descriptor)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		if b, err := json.Marshal(e); err == nil {
			if _, err := t.file.Write(append(b, '\n')); err != nil {
				t.logger.Warn("audit file write failed", "error", err)
			}
		}
	}

	if t.store != nil {
		// The task context may already be cancelled when a cancel-driven
		// denial is recorded.
		writeCtx := context.WithoutCancel(ctx)
		err := t.store.Execute(writeCtx, `
			INSERT INTO audit_log (created_at, trace_id, task_id, kind, access, descriptor, decision, source, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, []datastore.Value{
			datastore.Text(e.Timestamp),
			datastore.Text(e.TraceID),
			datastore.Text(e.TaskID),
			datastore.Text(e.Kind),
			datastore.Text(e.Access),
			datastore.Text(e.Descriptor),
			datastore.Text(e.Decision),
			datastore.Text(e.Source),
			datastore.Text(e.PolicyVersion),
		})
		if err != nil {
			t.logger.Warn("audit table write failed", "error", err)
		}
	}
}
