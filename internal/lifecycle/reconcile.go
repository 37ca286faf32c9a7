package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/agentbox/internal/audit"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/shared"
)

// ReconcileReport summarizes a startup reconciliation pass.
type ReconcileReport struct {
	Checked    int
	Stopped    int
	Missing    int
	Rewatched  int
	Disconnect int
	Orphans    []string
}

// Reconcile brings the registry in line with the container runtime after a
// daemon restart. Per-environment failures are logged and skipped.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	envs, err := m.store.ListAllEnvironments(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}

	known := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		known[env.Sandbox] = struct{}{}
		report.Checked++
		if err := m.reconcileOne(ctx, env, &report); err != nil {
			m.logger.Warn("reconcile environment", "project", env.Project, "environment", env.ID, "error", err)
		}
	}

	if sandboxes, err := m.sandboxes.ListSandboxes(ctx); err != nil {
		m.logger.Warn("reconcile: list sandboxes", "error", err)
	} else {
		for _, sb := range sandboxes {
			if _, ok := known[sb.Name]; !ok {
				report.Orphans = append(report.Orphans, sb.Name)
				m.logger.Warn("unregistered sandbox", "sandbox", sb.Name, "project", sb.Project, "environment", sb.Environment)
			}
		}
	}

	m.logger.Info("reconcile complete",
		"checked", report.Checked, "stopped", report.Stopped, "missing", report.Missing,
		"rewatched", report.Rewatched, "disconnected", report.Disconnect, "orphans", len(report.Orphans))
	return report, nil
}

func (m *Manager) reconcileOne(ctx context.Context, env persistence.Environment, report *ReconcileReport) error {
	ctx = shared.WithEnvironment(ctx, env.Project, env.ID)
	st, err := m.sandboxes.Inspect(ctx, env.Sandbox)
	if err != nil {
		return err
	}

	if !st.Exists {
		// Status is kept so the user can still delete the entry.
		report.Missing++
		m.setLastError(ctx, env.Project, env.ID, "sandbox missing")
		m.audit.Record(ctx, "env.reconcile", audit.OutcomeError, "sandbox missing")
		return nil
	}

	switch env.Status {
	case persistence.StatusPending:
		if st.Running {
			m.watch(env)
			report.Rewatched++
		}
	case persistence.StatusRunning:
		if !st.Running {
			_, err := m.store.UpdateEnvironment(ctx, env.Project, env.ID, func(e *persistence.Environment) error {
				if e.Status != persistence.StatusRunning {
					return persistence.ErrNoChange
				}
				e.Status = persistence.StatusStopped
				e.DisconnectedAt = nil
				return nil
			})
			if err != nil {
				return err
			}
			report.Stopped++
			m.audit.Record(ctx, "env.reconcile", audit.OutcomeOK, "running -> stopped")
			m.recordTransition(ctx, persistence.StatusStopped)
			return nil
		}
		if env.DisconnectedAt == nil {
			now := m.now().UTC()
			_, err := m.store.UpdateEnvironment(ctx, env.Project, env.ID, func(e *persistence.Environment) error {
				if e.DisconnectedAt != nil {
					return persistence.ErrNoChange
				}
				e.DisconnectedAt = &now
				return nil
			})
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
			report.Disconnect++
		}
	}
	return nil
}
