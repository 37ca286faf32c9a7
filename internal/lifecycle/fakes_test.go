package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
)

type fakeSandboxes struct {
	mu          sync.Mutex
	running     map[string]bool
	ready       orchestrator.Readiness
	createErr   error
	startErr    error
	removeErr   error
	extra       []orchestrator.SandboxInfo
	removedDirs []string
	stops       int
	onStop      func()
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{
		running: map[string]bool{},
		ready:   orchestrator.Readiness{State: orchestrator.ReadyOK},
	}
}

var validator = orchestrator.New(orchestrator.Config{GitUserName: "Agent", GitUserEmail: "agent@example.com"})

func (f *fakeSandboxes) Validate(req orchestrator.CreateRequest) (orchestrator.Tool, error) {
	return validator.Validate(req)
}

func (f *fakeSandboxes) Create(_ context.Context, req orchestrator.CreateRequest) (orchestrator.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return orchestrator.Sandbox{}, f.createErr
	}
	name := orchestrator.SandboxName(req.Tool, req.Project, req.Environment)
	f.running[name] = true
	return orchestrator.Sandbox{Name: name}, nil
}

func (f *fakeSandboxes) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.running[name]; !ok {
		return fmt.Errorf("start %s: %w", name, orchestrator.ErrSandboxNotFound)
	}
	f.running[name] = true
	return nil
}

func (f *fakeSandboxes) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	f.stops++
	if _, ok := f.running[name]; ok {
		f.running[name] = false
	}
	hook := f.onStop
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSandboxes) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.running, name)
	return nil
}

func (f *fakeSandboxes) RemoveSessionDir(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedDirs = append(f.removedDirs, name)
	return nil
}

func (f *fakeSandboxes) Inspect(_ context.Context, name string) (orchestrator.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[name]
	return orchestrator.State{Exists: ok, Running: running}, nil
}

func (f *fakeSandboxes) Ready(_ context.Context, name string) (orchestrator.Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[name]
	if !ok {
		return orchestrator.Readiness{}, orchestrator.ErrSandboxNotFound
	}
	if !running {
		return orchestrator.Readiness{}, orchestrator.ErrSandboxNotRunning
	}
	return f.ready, nil
}

func (f *fakeSandboxes) ListSandboxes(context.Context) ([]orchestrator.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]orchestrator.SandboxInfo(nil), f.extra...)
	for name, running := range f.running {
		out = append(out, orchestrator.SandboxInfo{Name: name, Running: running})
	}
	return out, nil
}

func (f *fakeSandboxes) setReady(r orchestrator.Readiness) {
	f.mu.Lock()
	f.ready = r
	f.mu.Unlock()
}

func (f *fakeSandboxes) setRunning(name string, running bool) {
	f.mu.Lock()
	f.running[name] = running
	f.mu.Unlock()
}

func (f *fakeSandboxes) drop(name string) {
	f.mu.Lock()
	delete(f.running, name)
	f.mu.Unlock()
}

type harness struct {
	mgr   *Manager
	store *persistence.Store
	sbx   *fakeSandboxes
	bus   *bus.Bus
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentbox.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sbx := newFakeSandboxes()
	cfg := Config{
		Store:            store,
		Sandboxes:        sbx,
		Bus:              b,
		DefaultImage:     "ubuntu:22.04",
		ReadinessTimeout: 2 * time.Second,
		PollMin:          time.Millisecond,
		PollMax:          5 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mgr := New(cfg)
	t.Cleanup(mgr.Close)
	return &harness{mgr: mgr, store: store, sbx: sbx, bus: b}
}

func (h *harness) project(t *testing.T, name string) {
	t.Helper()
	_, err := h.mgr.CreateProject(context.Background(), persistence.Project{
		Name:            name,
		RepoURL:         "https://github.com/acme/" + name,
		GitToken:        "ghp_token",
		AnthropicAPIKey: "sk-ant-key",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
}

func (h *harness) waitStatus(t *testing.T, project, id string, want persistence.EnvStatus) persistence.Environment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		env, err := h.store.GetEnvironment(context.Background(), project, id)
		if err == nil && env.Status == want {
			return env
		}
		if time.Now().After(deadline) {
			t.Fatalf("environment %s/%s never reached %s (last: %+v, err=%v)", project, id, want, env, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitLastError(t *testing.T, project, id string) persistence.Environment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		env, err := h.store.GetEnvironment(context.Background(), project, id)
		if err == nil && env.LastError != "" {
			return env
		}
		if time.Now().After(deadline) {
			t.Fatalf("environment %s/%s never recorded last_error", project, id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func claudeInput(id string) CreateInput {
	return CreateInput{ID: id, AITool: orchestrator.ToolClaude, BranchMode: orchestrator.BranchModeNew}
}
