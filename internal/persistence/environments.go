package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentbox/internal/bus"
)

type EnvStatus string

const (
	StatusPending EnvStatus = "pending"
	StatusRunning EnvStatus = "running"
	StatusStopped EnvStatus = "stopped"
	// StatusRemoved is terminal and never persisted: delete removes the row.
	StatusRemoved EnvStatus = "removed"
)

const (
	BranchModeNew      = "new"
	BranchModeExisting = "existing"
)

var allowedTransitions = map[EnvStatus]map[EnvStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusRemoved: {},
	},
	StatusRunning: {
		StatusStopped: {},
		StatusRemoved: {},
	},
	StatusStopped: {
		StatusRunning: {},
		StatusRemoved: {},
	},
}

func canTransition(from, to EnvStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to EnvStatus) bool {
	return canTransition(from, to)
}

type Environment struct {
	Project        string     `json:"project"`
	ID             string     `json:"id"`
	BaseImage      string     `json:"base_image"`
	AITool         string     `json:"ai_tool"`
	BranchMode     string     `json:"branch_mode"`
	Branch         string     `json:"branch"`
	Status         EnvStatus  `json:"status"`
	SessionID      string     `json:"session_id,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at"`
	LastError      string     `json:"last_error,omitempty"`
	Sandbox        string     `json:"sandbox"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

const environmentColumns = `project, id, base_image, ai_tool, branch_mode, branch, status,
	session_id, disconnected_at, last_error, sandbox, created_at, updated_at`

func scanEnvironment(scanFn func(dest ...any) error, e *Environment) error {
	var disconnected sql.NullTime
	if err := scanFn(&e.Project, &e.ID, &e.BaseImage, &e.AITool, &e.BranchMode, &e.Branch,
		&e.Status, &e.SessionID, &disconnected, &e.LastError, &e.Sandbox,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return err
	}
	if disconnected.Valid {
		t := disconnected.Time.UTC()
		e.DisconnectedAt = &t
	} else {
		e.DisconnectedAt = nil
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// InsertEnvironment persists a new environment. Status must be pending or stopped
// (stopped is used by import).
func (s *Store) InsertEnvironment(ctx context.Context, e Environment) (Environment, error) {
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Status != StatusPending && e.Status != StatusStopped {
		return Environment{}, fmt.Errorf("insert environment with status %q: %w", e.Status, ErrInvalidTransition)
	}
	now := s.timestamp()
	e.CreatedAt, e.UpdatedAt = now, now

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO environments (`+environmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.Project, e.ID, e.BaseImage, e.AITool, e.BranchMode, e.Branch, e.Status,
			e.SessionID, nullTime(e.DisconnectedAt), e.LastError, e.Sandbox, e.CreatedAt, e.UpdatedAt)
		return err
	})
	if err != nil {
		switch constraintColumn(err) {
		case "environments.project, environments.id":
			return Environment{}, fmt.Errorf("environment %s/%s: %w", e.Project, e.ID, ErrDuplicate)
		case "environments.sandbox":
			return Environment{}, fmt.Errorf("sandbox %q: %w", e.Sandbox, ErrSandboxInUse)
		}
		if isForeignKeyViolation(err) {
			return Environment{}, fmt.Errorf("project %q: %w", e.Project, ErrNotFound)
		}
		return Environment{}, fmt.Errorf("insert environment: %w", err)
	}
	return e, nil
}

func (s *Store) GetEnvironment(ctx context.Context, project, id string) (Environment, error) {
	var e Environment
	err := scanEnvironment(s.db.QueryRowContext(ctx, `
		SELECT `+environmentColumns+` FROM environments WHERE project = ? AND id = ?;
	`, project, id).Scan, &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Environment{}, fmt.Errorf("environment %s/%s: %w", project, id, ErrNotFound)
		}
		return Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

// SandboxOwner returns the environment that owns sandbox, if any.
func (s *Store) SandboxOwner(ctx context.Context, sandbox string) (Environment, bool, error) {
	var e Environment
	err := scanEnvironment(s.db.QueryRowContext(ctx, `
		SELECT `+environmentColumns+` FROM environments WHERE sandbox = ?;
	`, sandbox).Scan, &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Environment{}, false, nil
		}
		return Environment{}, false, fmt.Errorf("sandbox owner: %w", err)
	}
	return e, true, nil
}

func (s *Store) queryEnvironments(ctx context.Context, where string, args ...any) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+environmentColumns+` FROM environments `+where+`
		ORDER BY project ASC, created_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()
	var out []Environment
	for rows.Next() {
		var e Environment
		if err := scanEnvironment(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments: iterate: %w", err)
	}
	return out, nil
}

// ListEnvironments returns the environments of one project.
func (s *Store) ListEnvironments(ctx context.Context, project string) ([]Environment, error) {
	return s.queryEnvironments(ctx, `WHERE project = ?`, project)
}

// ListAllEnvironments returns every environment across projects.
func (s *Store) ListAllEnvironments(ctx context.Context) ([]Environment, error) {
	return s.queryEnvironments(ctx, ``)
}

// ListDisconnected returns running environments with a recorded disconnect,
// the idle reaper's candidate set.
func (s *Store) ListDisconnected(ctx context.Context) ([]Environment, error) {
	return s.queryEnvironments(ctx, `WHERE status = ? AND disconnected_at IS NOT NULL`, StatusRunning)
}

// CountByStatus returns environment counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[EnvStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM environments GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count environments: %w", err)
	}
	defer rows.Close()
	out := map[EnvStatus]int{StatusPending: 0, StatusRunning: 0, StatusStopped: 0}
	for rows.Next() {
		var st EnvStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// UpdateEnvironment is the registry's single read-modify-write path. fn sees
// the current row and mutates it in place; the result is validated against the
// lifecycle edges and written in the same transaction. Identity columns
// (project, id, sandbox, tool, image, created_at) cannot be changed. If fn
// returns ErrNoChange nothing is written and the current row is returned.
func (s *Store) UpdateEnvironment(ctx context.Context, project, id string, fn func(*Environment) error) (Environment, error) {
	var before, after Environment
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("update environment: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := scanEnvironment(tx.QueryRowContext(ctx, `
			SELECT `+environmentColumns+` FROM environments WHERE project = ? AND id = ?;
		`, project, id).Scan, &before); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("environment %s/%s: %w", project, id, ErrNotFound)
			}
			return fmt.Errorf("update environment: select: %w", err)
		}

		after = before
		if before.DisconnectedAt != nil {
			t := *before.DisconnectedAt
			after.DisconnectedAt = &t
		}
		if err := fn(&after); err != nil {
			if errors.Is(err, ErrNoChange) {
				after = before
				return nil
			}
			return err
		}
		if after.Status != before.Status && !canTransition(before.Status, after.Status) {
			return fmt.Errorf("environment %s/%s %s -> %s: %w", project, id, before.Status, after.Status, ErrInvalidTransition)
		}
		if after.Status == StatusRemoved {
			return fmt.Errorf("environment %s/%s: use DeleteEnvironment to remove: %w", project, id, ErrInvalidTransition)
		}
		after.UpdatedAt = s.timestamp()

		if _, err := tx.ExecContext(ctx, `
			UPDATE environments
			SET status = ?, branch = ?, session_id = ?, disconnected_at = ?, last_error = ?, updated_at = ?
			WHERE project = ? AND id = ?;
		`, after.Status, after.Branch, after.SessionID, nullTime(after.DisconnectedAt), after.LastError,
			after.UpdatedAt, project, id); err != nil {
			return fmt.Errorf("update environment: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("update environment: commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return Environment{}, err
	}
	// Restore identity columns in case fn touched them.
	after.Project, after.ID, after.Sandbox = before.Project, before.ID, before.Sandbox
	after.AITool, after.BaseImage, after.BranchMode, after.CreatedAt = before.AITool, before.BaseImage, before.BranchMode, before.CreatedAt

	if after.Status != before.Status {
		s.bus.Publish(bus.TopicEnvStateChanged, bus.EnvStateChanged{
			Project: project, Environment: id, From: string(before.Status), To: string(after.Status),
		})
	}
	return after, nil
}

// DeleteEnvironment removes the row. It reports whether a row existed; deleting
// an unknown environment is not an error.
func (s *Store) DeleteEnvironment(ctx context.Context, project, id string) (bool, error) {
	var prev EnvStatus
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.QueryRowContext(ctx, `SELECT status FROM environments WHERE project = ? AND id = ?;`, project, id).Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				n = 0
				return nil
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM environments WHERE project = ? AND id = ?;`, project, id)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("delete environment: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.bus.Publish(bus.TopicEnvStateChanged, bus.EnvStateChanged{
		Project: project, Environment: id, From: string(prev), To: string(StatusRemoved),
	})
	return true, nil
}
