package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentbox/internal/shared"
)

// Outcomes recorded for every lifecycle action.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Entry is one append-only audit record.
type Entry struct {
	Timestamp   string `json:"timestamp"`
	TraceID     string `json:"trace_id,omitempty"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	Project     string `json:"project,omitempty"`
	Environment string `json:"environment,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Log writes audit entries to <home>/logs/audit.jsonl and, once SetDB is
// called, to the audit_log table. A nil *Log discards everything.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	db       *sql.DB
	failures atomic.Int64
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB configures the database for audit_log table writes.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Failures returns the number of error outcomes recorded since startup.
func (l *Log) Failures() int64 {
	if l == nil {
		return 0
	}
	return l.failures.Load()
}

// Record appends an entry. The trace id and environment come from ctx when set.
func (l *Log) Record(ctx context.Context, action, outcome, detail string) {
	if l == nil {
		return
	}
	if outcome == OutcomeError {
		l.failures.Add(1)
	}
	project, env := shared.Environment(ctx)
	e := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:     shared.TraceID(ctx),
		Action:      action,
		Outcome:     outcome,
		Project:     project,
		Environment: env,
		Detail:      shared.Redact(detail),
	}
	if e.TraceID == "-" {
		e.TraceID = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(e)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, action, outcome, project, environment, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Action, e.Outcome, e.Project, e.Environment, e.Detail)
	}
}
