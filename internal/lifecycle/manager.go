// Package lifecycle owns the environment state machine: it keeps the
// registry and the container runtime in step and records every transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentbox/internal/audit"
	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/otel"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/shared"
)

// Sandboxes is the container side of the lifecycle.
type Sandboxes interface {
	Validate(req orchestrator.CreateRequest) (orchestrator.Tool, error)
	Create(ctx context.Context, req orchestrator.CreateRequest) (orchestrator.Sandbox, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	RemoveSessionDir(name string) error
	Inspect(ctx context.Context, name string) (orchestrator.State, error)
	Ready(ctx context.Context, name string) (orchestrator.Readiness, error)
	ListSandboxes(ctx context.Context) ([]orchestrator.SandboxInfo, error)
}

// Config wires a Manager.
type Config struct {
	Store            *persistence.Store
	Sandboxes        Sandboxes
	Audit            *audit.Log
	Bus              *bus.Bus
	Metrics          *otel.Metrics
	Tracer           trace.Tracer
	Logger           *slog.Logger
	DefaultImage     string
	ReadinessTimeout time.Duration
	PollMin          time.Duration
	PollMax          time.Duration
	Now              func() time.Time
}

// Manager applies lifecycle operations. Watchers started by Create and
// Reconcile run until ready, failed, deleted or Close.
type Manager struct {
	store     *persistence.Store
	sandboxes Sandboxes
	audit     *audit.Log
	bus       *bus.Bus
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	image     string
	now       func() time.Time

	readinessTimeout time.Duration
	pollMin, pollMax time.Duration

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	watchers map[envKey]*watcher
}

type envKey struct{ project, id string }

const (
	defaultReadinessTimeout = 600 * time.Second
	defaultPollMin          = 500 * time.Millisecond
	defaultPollMax          = 5 * time.Second
)

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = defaultReadinessTimeout
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = defaultPollMin
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = max(defaultPollMax, cfg.PollMin)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:            cfg.Store,
		sandboxes:        cfg.Sandboxes,
		audit:            cfg.Audit,
		bus:              cfg.Bus,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		logger:           cfg.Logger,
		image:            cfg.DefaultImage,
		now:              cfg.Now,
		readinessTimeout: cfg.ReadinessTimeout,
		pollMin:          cfg.PollMin,
		pollMax:          cfg.PollMax,
		baseCtx:          ctx,
		cancel:           cancel,
		watchers:         make(map[envKey]*watcher),
	}
}

// SetReadinessTimeout applies a reloaded readiness bound to future polls.
func (m *Manager) SetReadinessTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.readinessTimeout = d
	m.mu.Unlock()
}

// Close cancels readiness watchers and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// CreateInput is a request for a new environment.
type CreateInput struct {
	ID         string `json:"id"`
	BaseImage  string `json:"base_image"`
	AITool     string `json:"ai_tool"`
	BranchMode string `json:"branch_mode"`
	Branch     string `json:"branch"`
}

func credentialsOf(p persistence.Project) orchestrator.Credentials {
	return orchestrator.Credentials{
		GitToken:        p.GitToken,
		GeminiAPIKey:    p.GeminiAPIKey,
		AnthropicAPIKey: p.AnthropicAPIKey,
		ClaudeOAuth:     p.ClaudeOAuth,
	}
}

// Create registers a pending environment and provisions its sandbox. On
// orchestration failure the entry is removed again.
func (m *Manager) Create(ctx context.Context, project string, in CreateInput) (persistence.Environment, error) {
	ctx = shared.WithEnvironment(ctx, project, in.ID)
	ctx, span := otel.StartSpan(ctx, m.tracer, "lifecycle.create", otel.EnvAttrs(project, in.ID)...)
	defer span.End()

	env, err := m.create(ctx, project, in)
	if err != nil {
		otel.RecordError(span, err)
		m.audit.Record(ctx, "env.create", audit.OutcomeError, err.Error())
		return persistence.Environment{}, err
	}
	m.audit.Record(ctx, "env.create", audit.OutcomeOK, "sandbox="+env.Sandbox)
	m.recordTransition(ctx, persistence.StatusPending)
	m.bus.Publish(bus.TopicEnvCreated, bus.EnvRef{Project: project, Environment: env.ID, Sandbox: env.Sandbox})
	m.logger.Info("environment created", "project", project, "environment", env.ID, "sandbox", env.Sandbox, "tool", env.AITool)

	m.watch(env)
	return env, nil
}

func (m *Manager) create(ctx context.Context, project string, in CreateInput) (persistence.Environment, error) {
	proj, err := m.store.GetProject(ctx, project)
	if err != nil {
		return persistence.Environment{}, err
	}
	if in.BaseImage == "" {
		in.BaseImage = m.image
	}
	if in.BranchMode == "" {
		in.BranchMode = orchestrator.BranchModeNew
	}
	req := orchestrator.CreateRequest{
		Project:     project,
		Environment: in.ID,
		Image:       in.BaseImage,
		Tool:        in.AITool,
		RepoURL:     proj.RepoURL,
		BranchMode:  in.BranchMode,
		Branch:      in.Branch,
		Credentials: credentialsOf(proj),
	}
	tool, err := m.sandboxes.Validate(req)
	if err != nil {
		return persistence.Environment{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	branch, err := orchestrator.ResolveBranch(in.BranchMode, in.Branch, in.ID)
	if err != nil {
		return persistence.Environment{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if _, err := m.store.GetEnvironment(ctx, project, in.ID); err == nil {
		return persistence.Environment{}, fmt.Errorf("environment %s/%s: %w", project, in.ID, persistence.ErrDuplicate)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return persistence.Environment{}, err
	}

	sandbox := orchestrator.SandboxName(tool.Name(), project, in.ID)
	if owner, ok, err := m.store.SandboxOwner(ctx, sandbox); err != nil {
		return persistence.Environment{}, err
	} else if ok {
		return persistence.Environment{}, fmt.Errorf("%w: %s already belongs to %s/%s", ErrNameCollision, sandbox, owner.Project, owner.ID)
	}

	env, err := m.store.InsertEnvironment(ctx, persistence.Environment{
		Project:    project,
		ID:         in.ID,
		BaseImage:  in.BaseImage,
		AITool:     tool.Name(),
		BranchMode: in.BranchMode,
		Branch:     branch,
		Status:     persistence.StatusPending,
		Sandbox:    sandbox,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrSandboxInUse) {
			return persistence.Environment{}, fmt.Errorf("%w: %s", ErrNameCollision, sandbox)
		}
		return persistence.Environment{}, err
	}

	if _, err := m.sandboxes.Create(ctx, req); err != nil {
		if _, delErr := m.store.DeleteEnvironment(context.WithoutCancel(ctx), project, in.ID); delErr != nil {
			m.logger.Error("rollback environment entry", "project", project, "environment", in.ID, "error", delErr)
		}
		m.metrics.EnvCreateFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrTool.String(tool.Name())))
		m.bus.Publish(bus.TopicEnvError, bus.EnvError{Project: project, Environment: in.ID, Error: err.Error()})
		if errors.Is(err, orchestrator.ErrNameConflict) {
			return persistence.Environment{}, fmt.Errorf("%w: %w", ErrNameCollision, err)
		}
		return persistence.Environment{}, orchestrationError("create", err)
	}
	return env, nil
}

// Stop stops a running environment. Stopping a stopped environment is a no-op.
func (m *Manager) Stop(ctx context.Context, project, id string) (persistence.Environment, error) {
	return m.stop(ctx, project, id, "env.stop", nil)
}

// Reap stops an environment whose client disconnected before olderThan. It
// leaves the environment untouched when there is no disconnect on record or
// the recorded one is newer, which is the case after a reconnect.
func (m *Manager) Reap(ctx context.Context, project, id string, olderThan time.Time) (persistence.Environment, error) {
	return m.stop(ctx, project, id, "env.reap", &olderThan)
}

func disconnectedBefore(e persistence.Environment, cutoff time.Time) bool {
	return e.DisconnectedAt != nil && e.DisconnectedAt.Before(cutoff)
}

func (m *Manager) stop(ctx context.Context, project, id, action string, cutoff *time.Time) (persistence.Environment, error) {
	ctx = shared.WithEnvironment(ctx, project, id)
	ctx, span := otel.StartSpan(ctx, m.tracer, "lifecycle.stop", otel.EnvAttrs(project, id)...)
	defer span.End()

	env, err := m.store.GetEnvironment(ctx, project, id)
	if err != nil {
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}
	switch env.Status {
	case persistence.StatusStopped:
		return env, nil
	case persistence.StatusPending:
		err := fmt.Errorf("environment %s/%s is pending: %w", project, id, persistence.ErrInvalidTransition)
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}
	if cutoff != nil && !disconnectedBefore(env, *cutoff) {
		return env, nil
	}

	if err := m.sandboxes.Stop(ctx, env.Sandbox); err != nil {
		err = orchestrationError("stop", err)
		otel.RecordError(span, err)
		m.audit.Record(ctx, action, audit.OutcomeError, err.Error())
		return persistence.Environment{}, err
	}
	updated, err := m.store.UpdateEnvironment(ctx, project, id, func(e *persistence.Environment) error {
		if e.Status == persistence.StatusStopped {
			return persistence.ErrNoChange
		}
		if cutoff != nil && !disconnectedBefore(*e, *cutoff) {
			return persistence.ErrNoChange
		}
		e.Status = persistence.StatusStopped
		e.DisconnectedAt = nil
		return nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}
	if updated.Status != persistence.StatusStopped {
		m.logger.Warn("client reconnected while the sandbox was being reaped", "project", project, "environment", id)
		return updated, nil
	}
	m.audit.Record(ctx, action, audit.OutcomeOK, "")
	m.recordTransition(ctx, persistence.StatusStopped)
	return updated, nil
}

// Start restarts a stopped environment. A sandbox removed out of band is
// reported as orchestrator.ErrSandboxNotFound and never recreated.
func (m *Manager) Start(ctx context.Context, project, id string) (persistence.Environment, error) {
	ctx = shared.WithEnvironment(ctx, project, id)
	ctx, span := otel.StartSpan(ctx, m.tracer, "lifecycle.start", otel.EnvAttrs(project, id)...)
	defer span.End()

	env, err := m.store.GetEnvironment(ctx, project, id)
	if err != nil {
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}
	switch env.Status {
	case persistence.StatusRunning:
		return env, nil
	case persistence.StatusPending:
		err := fmt.Errorf("environment %s/%s is pending: %w", project, id, persistence.ErrInvalidTransition)
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}

	if err := m.sandboxes.Start(ctx, env.Sandbox); err != nil {
		otel.RecordError(span, err)
		m.audit.Record(ctx, "env.start", audit.OutcomeError, err.Error())
		if errors.Is(err, orchestrator.ErrSandboxNotFound) {
			m.setLastError(ctx, project, id, "sandbox missing")
			return persistence.Environment{}, err
		}
		return persistence.Environment{}, orchestrationError("start", err)
	}
	now := m.now().UTC()
	updated, err := m.store.UpdateEnvironment(ctx, project, id, func(e *persistence.Environment) error {
		if e.Status == persistence.StatusRunning {
			return persistence.ErrNoChange
		}
		e.Status = persistence.StatusRunning
		e.LastError = ""
		// No client is attached yet; the reaper collects it if none arrives.
		e.DisconnectedAt = &now
		return nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return persistence.Environment{}, err
	}
	m.audit.Record(ctx, "env.start", audit.OutcomeOK, "")
	m.recordTransition(ctx, persistence.StatusRunning)
	return updated, nil
}

// Delete removes the sandbox, its session state and the registry entry.
// The entry is deleted even when the sandbox removal fails.
func (m *Manager) Delete(ctx context.Context, project, id string) error {
	ctx = shared.WithEnvironment(ctx, project, id)
	ctx, span := otel.StartSpan(ctx, m.tracer, "lifecycle.delete", otel.EnvAttrs(project, id)...)
	defer span.End()

	m.stopWatching(project, id)

	env, err := m.store.GetEnvironment(ctx, project, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		otel.RecordError(span, err)
		return err
	}

	if rmErr := m.sandboxes.Remove(ctx, env.Sandbox); rmErr != nil {
		m.logger.Error("remove sandbox", "project", project, "environment", id, "sandbox", env.Sandbox, "error", rmErr)
		m.audit.Record(ctx, "env.remove_sandbox", audit.OutcomeError, rmErr.Error())
	}
	if err := m.sandboxes.RemoveSessionDir(env.Sandbox); err != nil {
		m.logger.Warn("remove session dir", "sandbox", env.Sandbox, "error", err)
	}

	existed, err := m.store.DeleteEnvironment(ctx, project, id)
	if err != nil {
		otel.RecordError(span, err)
		m.audit.Record(ctx, "env.delete", audit.OutcomeError, err.Error())
		return err
	}
	if existed {
		m.audit.Record(ctx, "env.delete", audit.OutcomeOK, "sandbox="+env.Sandbox)
		m.recordTransition(ctx, persistence.StatusRemoved)
		m.bus.Publish(bus.TopicEnvDeleted, bus.EnvRef{Project: project, Environment: id, Sandbox: env.Sandbox})
	}
	return nil
}

// MarkRunning moves a pending environment to running once its sandbox is
// ready. It is a no-op for any other status.
func (m *Manager) MarkRunning(ctx context.Context, project, id string) (persistence.Environment, error) {
	changed := false
	env, err := m.store.UpdateEnvironment(ctx, project, id, func(e *persistence.Environment) error {
		if e.Status != persistence.StatusPending {
			return persistence.ErrNoChange
		}
		e.Status = persistence.StatusRunning
		e.LastError = ""
		changed = true
		return nil
	})
	if err != nil {
		return persistence.Environment{}, err
	}
	if changed {
		ctx = shared.WithEnvironment(ctx, project, id)
		m.audit.Record(ctx, "env.ready", audit.OutcomeOK, "")
		m.recordTransition(ctx, persistence.StatusRunning)
		m.logger.Info("environment ready", "project", project, "environment", id, "sandbox", env.Sandbox)
	}
	return env, nil
}

func (m *Manager) setLastError(ctx context.Context, project, id, msg string) {
	_, err := m.store.UpdateEnvironment(context.WithoutCancel(ctx), project, id, func(e *persistence.Environment) error {
		if e.LastError == msg {
			return persistence.ErrNoChange
		}
		e.LastError = msg
		return nil
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		m.logger.Warn("record last_error", "project", project, "environment", id, "error", err)
	}
	m.bus.Publish(bus.TopicEnvError, bus.EnvError{Project: project, Environment: id, Error: msg})
}

func (m *Manager) recordTransition(ctx context.Context, to persistence.EnvStatus) {
	m.metrics.EnvTransitions.Add(ctx, 1, metric.WithAttributes(otel.AttrStatus.String(string(to))))
}
