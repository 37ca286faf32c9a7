package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/bridge"
	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/gateway"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/reaper"
)

const testToken = "test-token-123"

var validator = orchestrator.New(orchestrator.Config{GitUserName: "Agent", GitUserEmail: "agent@example.com"})

// fakeSandboxes runs every sandbox in memory and reports it ready at once.
type fakeSandboxes struct {
	mu        sync.Mutex
	running   map[string]bool
	createErr error
}

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
	if _, ok := f.running[name]; !ok {
		return orchestrator.ErrSandboxNotFound
	}
	f.running[name] = true
	return nil
}

func (f *fakeSandboxes) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[name]; ok {
		f.running[name] = false
	}
	return nil
}

func (f *fakeSandboxes) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeSandboxes) RemoveSessionDir(string) error { return nil }

func (f *fakeSandboxes) Inspect(_ context.Context, name string) (orchestrator.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[name]
	return orchestrator.State{Exists: ok, Running: running}, nil
}

func (f *fakeSandboxes) Ready(_ context.Context, name string) (orchestrator.Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[name] {
		return orchestrator.Readiness{}, orchestrator.ErrSandboxNotRunning
	}
	return orchestrator.Readiness{State: orchestrator.ReadyOK}, nil
}

func (f *fakeSandboxes) ListSandboxes(context.Context) ([]orchestrator.SandboxInfo, error) {
	return nil, nil
}

// brokenShells fails every shell open.
type brokenShells struct{}

func (brokenShells) OpenShell(context.Context, string, orchestrator.ShellOptions) (orchestrator.Terminal, error) {
	return nil, errors.New("exec unavailable")
}

func (brokenShells) DetectSession(string, string) (string, error) { return "", nil }

type fakeDocker struct {
	pingErr error
	images  []string
}

func (d *fakeDocker) Ping(context.Context) error { return d.pingErr }

func (d *fakeDocker) ListImages(context.Context) ([]string, error) { return d.images, nil }

type fakeGit struct {
	mu       sync.Mutex
	gotURL   string
	gotToken string
	branches []string
}

func (g *fakeGit) ListBranches(_ context.Context, repoURL, token string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gotURL, g.gotToken = repoURL, token
	return g.branches, nil
}

type staticReaper struct{ stats reaper.Stats }

func (r staticReaper) Stats() reaper.Stats { return r.stats }

type harness struct {
	srv    *httptest.Server
	store  *persistence.Store
	bus    *bus.Bus
	sbx    *fakeSandboxes
	docker *fakeDocker
	git    *fakeGit
}

func newHarness(t *testing.T, mutate ...func(*gateway.Config)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentbox.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sbx := &fakeSandboxes{running: map[string]bool{}}
	mgr := lifecycle.New(lifecycle.Config{
		Store:        store,
		Sandboxes:    sbx,
		Bus:          b,
		DefaultImage: "ubuntu:22.04",
		PollMin:      time.Millisecond,
		PollMax:      5 * time.Millisecond,
	})
	t.Cleanup(mgr.Close)

	svc := bridge.NewService(bridge.Config{Store: store, Shells: brokenShells{}, Lifecycle: mgr, Bus: b})
	t.Cleanup(svc.Shutdown)

	docker := &fakeDocker{images: []string{"node:20", "ubuntu:22.04"}}
	git := &fakeGit{branches: []string{"develop", "main"}}
	cfg := gateway.Config{
		Store:       store,
		Lifecycle:   mgr,
		Bridge:      svc,
		Docker:      docker,
		Git:         git,
		Reaper:      staticReaper{stats: reaper.Stats{Sweeps: 3, Stopped: 1}},
		Bus:         b,
		AuthToken:   testToken,
		Fingerprint: func() string { return "cfg-test" },
		Version:     "test",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store, bus: b, sbx: sbx, docker: docker, git: git}
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return h.doToken(t, method, path, body, testToken)
}

func (h *harness) doToken(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) project(t *testing.T, name string) {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/projects",
		`{"name":"`+name+`","repo_url":"https://github.com/acme/`+name+`","git_token":"ghp_secret","anthropic_api_key":"sk-ant-secret"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}
}

func (h *harness) waitStatus(t *testing.T, project, id string, want persistence.EnvStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		env, err := h.store.GetEnvironment(context.Background(), project, id)
		if err == nil && env.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s/%s never reached %s (last %+v, err %v)", project, id, want, env, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
