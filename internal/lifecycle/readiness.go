package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentbox/internal/audit"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/shared"
)

// WaitReady polls the sandbox until its bootstrap sentinel appears, with
// exponential backoff bounded by the readiness timeout. onWait, if set, is
// called once before the first sleep.
func (m *Manager) WaitReady(ctx context.Context, sandbox string, onWait func()) error {
	m.mu.Lock()
	timeout := m.readinessTimeout
	m.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	delay := m.pollMin
	notified := false
	for {
		r, err := m.sandboxes.Ready(ctx, sandbox)
		if err != nil {
			return err
		}
		switch r.State {
		case orchestrator.ReadyOK:
			return nil
		case orchestrator.ReadyFailed:
			return fmt.Errorf("%w: %s", ErrBootstrapFailed, r.Detail)
		}

		if !notified && onWait != nil {
			onWait()
			notified = true
		}
		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return fmt.Errorf("%w: %s not ready after %s", ErrReadinessTimeout, sandbox, timeout)
		case <-wait.C:
		}
		delay = min(delay*2, m.pollMax)
	}
}

type watcher struct {
	cancel context.CancelFunc
}

// watch starts a readiness watcher for a pending environment, replacing any
// watcher already running for it.
func (m *Manager) watch(env persistence.Environment) {
	key := envKey{env.Project, env.ID}
	ctx, cancel := context.WithCancel(m.baseCtx)
	w := &watcher{cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.watchers[key]; ok {
		prev.cancel()
	}
	m.watchers[key] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			if m.watchers[key] == w {
				delete(m.watchers, key)
			}
			m.mu.Unlock()
			cancel()
		}()
		m.runWatcher(ctx, env)
	}()
}

func (m *Manager) runWatcher(ctx context.Context, env persistence.Environment) {
	ctx = shared.WithEnvironment(ctx, env.Project, env.ID)
	started := m.now()

	err := m.WaitReady(ctx, env.Sandbox, nil)
	switch {
	case err == nil:
		m.metrics.ReadinessDuration.Record(ctx, m.now().Sub(started).Seconds())
		if _, err := m.MarkRunning(ctx, env.Project, env.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			m.logger.Error("mark running", "project", env.Project, "environment", env.ID, "error", err)
		}
	case errors.Is(err, context.Canceled):
		return
	default:
		msg := err.Error()
		switch {
		case errors.Is(err, ErrBootstrapFailed):
		case errors.Is(err, ErrReadinessTimeout):
			msg = "readiness timeout"
		case errors.Is(err, orchestrator.ErrSandboxNotFound):
			msg = "sandbox missing"
		}
		m.logger.Warn("environment not ready", "project", env.Project, "environment", env.ID, "sandbox", env.Sandbox, "error", err)
		m.audit.Record(ctx, "env.ready", audit.OutcomeError, msg)
		m.setLastError(ctx, env.Project, env.ID, msg)
	}
}

func (m *Manager) stopWatching(project, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := envKey{project, id}
	if w, ok := m.watchers[key]; ok {
		w.cancel()
		delete(m.watchers, key)
	}
}

// Watching reports whether a readiness watcher is active for the environment.
func (m *Manager) Watching(project, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[envKey{project, id}]
	return ok
}
