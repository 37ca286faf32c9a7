// Package orchestrator drives sandbox containers: create, start, stop,
// remove, readiness probing, interactive shells and session discovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentbox/internal/otel"
)

var (
	ErrSandboxNotFound    = errors.New("sandbox not found")
	ErrSandboxNotRunning  = errors.New("sandbox not running")
	ErrNameConflict       = errors.New("sandbox name already in use")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMissingCredentials = errors.New("missing credentials")
)

const defaultStopTimeout = 10 * time.Second

// Config wires an Orchestrator.
type Config struct {
	Engine       Engine
	SessionsDir  string
	DefaultImage string
	MemoryMB     int
	Network      string
	GitUserName  string
	GitUserEmail string
	StopTimeout  time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// Orchestrator turns environment intents into engine calls.
type Orchestrator struct {
	engine       Engine
	sessionsDir  string
	defaultImage string
	memoryBytes  int64
	network      string
	gitUser      string
	gitEmail     string
	stopTimeout  time.Duration
	template     *Template
	logger       *slog.Logger
	tracer       trace.Tracer
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	return &Orchestrator{
		engine:       cfg.Engine,
		sessionsDir:  cfg.SessionsDir,
		defaultImage: cfg.DefaultImage,
		memoryBytes:  int64(cfg.MemoryMB) * 1024 * 1024,
		network:      cfg.Network,
		gitUser:      cfg.GitUserName,
		gitEmail:     cfg.GitUserEmail,
		stopTimeout:  cfg.StopTimeout,
		template:     BootstrapV1,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
	}
}

// CreateRequest describes a sandbox to provision.
type CreateRequest struct {
	Project     string
	Environment string
	Image       string
	Tool        string
	RepoURL     string
	BranchMode  string
	Branch      string
	Credentials Credentials
}

// Sandbox is a provisioned container.
type Sandbox struct {
	Name      string
	ID        string
	Image     string
	Branch    string
	Bootstrap string
}

// Validate checks req without touching the engine.
func (o *Orchestrator) Validate(req CreateRequest) (Tool, error) {
	tool, err := LookupTool(req.Tool)
	if err != nil {
		return nil, err
	}
	if err := ValidateID("project", req.Project); err != nil {
		return nil, err
	}
	if err := tool.ValidateCredentials(req.Credentials); err != nil {
		return nil, err
	}
	in := o.bootstrapInput(tool, req)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return tool, nil
}

func (o *Orchestrator) bootstrapInput(tool Tool, req CreateRequest) BootstrapInput {
	return BootstrapInput{
		Tool:         tool,
		RepoURL:      req.RepoURL,
		BranchMode:   req.BranchMode,
		Branch:       req.Branch,
		EnvID:        req.Environment,
		GitUserName:  o.gitUser,
		GitUserEmail: o.gitEmail,
	}
}

// SessionDir is the host directory holding a sandbox's assistant session state.
func (o *Orchestrator) SessionDir(sandbox string) string {
	return filepath.Join(o.sessionsDir, sandbox)
}

// Create provisions and starts a sandbox. A container that fails to start
// is force-removed before returning.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "orchestrator.create",
		append(otel.EnvAttrs(req.Project, req.Environment), otel.AttrTool.String(req.Tool))...)
	defer span.End()

	tool, err := o.Validate(req)
	if err != nil {
		otel.RecordError(span, err)
		return Sandbox{}, err
	}
	script, err := o.template.Render(o.bootstrapInput(tool, req))
	if err != nil {
		otel.RecordError(span, err)
		return Sandbox{}, err
	}
	branch, _ := ResolveBranch(req.BranchMode, req.Branch, req.Environment)

	name := SandboxName(tool.Name(), req.Project, req.Environment)
	image := req.Image
	if image == "" {
		image = o.defaultImage
	}
	span.SetAttributes(otel.AttrSandbox.String(name))

	spec := ContainerSpec{
		Name:  name,
		Image: image,
		Cmd:   []string{"/bin/sh", "-c", script},
		Env:   tool.ContainerEnv(req.Credentials),
		Labels: map[string]string{
			LabelProject:     req.Project,
			LabelEnvironment: req.Environment,
			LabelTool:        tool.Name(),
			LabelBootstrap:   o.template.Version,
		},
		MemoryBytes: o.memoryBytes,
		Network:     o.network,
	}
	// A directory that predates this call may hold another sandbox's state
	// (an orphan with the same name); only a fresh one is rolled back.
	var freshDir bool
	if tool.SupportsResume() && tool.SessionDir() != "" && o.sessionsDir != "" {
		hostDir := o.SessionDir(name)
		if _, err := os.Stat(hostDir); os.IsNotExist(err) {
			freshDir = true
		}
		if err := os.MkdirAll(hostDir, 0o700); err != nil {
			otel.RecordError(span, err)
			return Sandbox{}, fmt.Errorf("session dir: %w", err)
		}
		spec.Binds = append(spec.Binds, hostDir+":"+tool.SessionDir())
	}
	dropDir := func() {
		if !freshDir {
			return
		}
		if err := o.RemoveSessionDir(name); err != nil {
			o.logger.Warn("remove session dir after failed create", "sandbox", name, "error", err)
		}
	}

	id, err := o.engine.CreateContainer(ctx, spec)
	if err != nil {
		dropDir()
		otel.RecordError(span, err)
		return Sandbox{}, err
	}
	if err := o.engine.StartContainer(ctx, name); err != nil {
		if rmErr := o.engine.RemoveContainer(context.WithoutCancel(ctx), name); rmErr != nil && !errors.Is(rmErr, ErrSandboxNotFound) {
			o.logger.Warn("remove after failed start", "sandbox", name, "error", rmErr)
		}
		dropDir()
		otel.RecordError(span, err)
		return Sandbox{}, fmt.Errorf("start %s: %w", name, err)
	}

	o.logger.Info("sandbox created", "sandbox", name, "image", image, "tool", tool.Name(), "bootstrap", o.template.Version)
	return Sandbox{Name: name, ID: id, Image: image, Branch: branch, Bootstrap: o.template.Version}, nil
}

// Stop stops a running sandbox. Missing or already stopped sandboxes are fine.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "orchestrator.stop", otel.AttrSandbox.String(name))
	defer span.End()

	st, err := o.engine.InspectContainer(ctx, name)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	if !st.Exists || !st.Running {
		return nil
	}
	if err := o.engine.StopContainer(ctx, name, o.stopTimeout); err != nil && !errors.Is(err, ErrSandboxNotFound) {
		otel.RecordError(span, err)
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// Start starts a stopped sandbox. A sandbox removed out of band reports
// ErrSandboxNotFound and is never recreated here.
func (o *Orchestrator) Start(ctx context.Context, name string) error {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "orchestrator.start", otel.AttrSandbox.String(name))
	defer span.End()

	st, err := o.engine.InspectContainer(ctx, name)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	if !st.Exists {
		err := fmt.Errorf("start %s: %w", name, ErrSandboxNotFound)
		otel.RecordError(span, err)
		return err
	}
	if st.Running {
		return nil
	}
	if err := o.engine.StartContainer(ctx, name); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a sandbox. Removing a missing sandbox succeeds.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "orchestrator.remove", otel.AttrSandbox.String(name))
	defer span.End()

	if err := o.engine.RemoveContainer(ctx, name); err != nil && !errors.Is(err, ErrSandboxNotFound) {
		otel.RecordError(span, err)
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// RemoveSessionDir deletes the host session state for a sandbox.
func (o *Orchestrator) RemoveSessionDir(name string) error {
	if o.sessionsDir == "" || Sanitize(name) != name || name == "" {
		return nil
	}
	return os.RemoveAll(o.SessionDir(name))
}

func (o *Orchestrator) Inspect(ctx context.Context, name string) (State, error) {
	return o.engine.InspectContainer(ctx, name)
}

// ReadyState classifies a readiness probe.
type ReadyState string

const (
	ReadyPending ReadyState = "pending"
	ReadyOK      ReadyState = "ready"
	ReadyFailed  ReadyState = "failed"
)

// Readiness is the outcome of one probe. Detail carries the failing
// bootstrap step when State is ReadyFailed.
type Readiness struct {
	State  ReadyState
	Detail string
}

var probeCmd = []string{"sh", "-c",
	"if [ -f " + SentinelPath + " ]; then echo ready; " +
		"elif [ -f " + FailureMarker + " ]; then printf 'failed:'; head -c 256 " + FailureMarker + "; " +
		"else echo pending; fi"}

// Ready probes the bootstrap sentinel once.
func (o *Orchestrator) Ready(ctx context.Context, name string) (Readiness, error) {
	st, err := o.engine.InspectContainer(ctx, name)
	if err != nil {
		return Readiness{}, err
	}
	if !st.Exists {
		return Readiness{}, fmt.Errorf("probe %s: %w", name, ErrSandboxNotFound)
	}
	if !st.Running {
		return Readiness{}, fmt.Errorf("probe %s: %w", name, ErrSandboxNotRunning)
	}
	out, code, err := o.engine.Run(ctx, name, probeCmd)
	if err != nil {
		return Readiness{}, fmt.Errorf("probe %s: %w", name, err)
	}
	if code != 0 {
		return Readiness{State: ReadyPending}, nil
	}
	return parseProbe(out), nil
}

func parseProbe(out string) Readiness {
	out = strings.TrimSpace(out)
	switch {
	case out == "ready":
		return Readiness{State: ReadyOK}
	case strings.HasPrefix(out, "failed:"):
		detail := strings.TrimSpace(strings.TrimPrefix(out, "failed:"))
		if detail == "" {
			detail = "unknown step"
		}
		return Readiness{State: ReadyFailed, Detail: detail}
	}
	return Readiness{State: ReadyPending}
}

// ShellOptions sizes and selects the command of an interactive shell.
type ShellOptions struct {
	Cmd        []string
	Rows, Cols uint
}

// OpenShell attaches a pseudo-terminal running opts.Cmd in the workspace.
func (o *Orchestrator) OpenShell(ctx context.Context, name string, opts ShellOptions) (Terminal, error) {
	st, err := o.engine.InspectContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	if !st.Exists {
		return nil, fmt.Errorf("shell %s: %w", name, ErrSandboxNotFound)
	}
	if !st.Running {
		return nil, fmt.Errorf("shell %s: %w", name, ErrSandboxNotRunning)
	}
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash"}
	}
	return o.engine.Exec(ctx, name, ExecSpec{
		Cmd:        cmd,
		Env:        []string{"TERM=xterm-256color"},
		WorkingDir: WorkspacePath,
		Rows:       opts.Rows,
		Cols:       opts.Cols,
	})
}

// ListImages returns sorted unique repo tags, skipping untagged images.
func (o *Orchestrator) ListImages(ctx context.Context) ([]string, error) {
	tags, err := o.engine.ListImageTags(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || strings.Contains(tag, "<none>") {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

// ListSandboxes returns every labelled sandbox known to the engine.
func (o *Orchestrator) ListSandboxes(ctx context.Context) ([]SandboxInfo, error) {
	return o.engine.ListSandboxes(ctx)
}

// DetectSession returns the newest assistant session id recorded for sandbox,
// or "" when none exists or the tool keeps no session state.
func (o *Orchestrator) DetectSession(sandbox, toolName string) (string, error) {
	tool, err := LookupTool(toolName)
	if err != nil {
		return "", err
	}
	if !tool.SupportsResume() || o.sessionsDir == "" {
		return "", nil
	}
	return tool.DetectSession(o.SessionDir(sandbox))
}

func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.engine.Ping(ctx)
}
