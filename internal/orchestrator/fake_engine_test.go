package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeContainer struct {
	spec    ContainerSpec
	running bool
}

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	tags       []string
	probeOut   string
	probeCode  int
	createErr  error
	startErr   error
	removed    []string
	execs      []ExecSpec
	runs       [][]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}, probeOut: "pending\n"}
}

func (f *fakeEngine) Ping(context.Context) error { return nil }
func (f *fakeEngine) Close() error               { return nil }

func (f *fakeEngine) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return "", ErrNameConflict
	}
	f.containers[spec.Name] = &fakeContainer{spec: spec}
	return "id-" + spec.Name, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[name]
	if !ok {
		return ErrSandboxNotFound
	}
	c.running = true
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return ErrSandboxNotFound
	}
	c.running = false
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	if _, ok := f.containers[name]; !ok {
		return ErrSandboxNotFound
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, name string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return State{}, nil
	}
	return State{Exists: true, Running: c.running}, nil
}

func (f *fakeEngine) Exec(_ context.Context, _ string, spec ExecSpec) (Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, spec)
	return &nopTerminal{}, nil
}

func (f *fakeEngine) Run(_ context.Context, _ string, cmd []string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, cmd)
	return f.probeOut, f.probeCode, nil
}

func (f *fakeEngine) ListImageTags(context.Context) ([]string, error) {
	return f.tags, nil
}

func (f *fakeEngine) ListSandboxes(context.Context) ([]SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SandboxInfo
	for name, c := range f.containers {
		out = append(out, SandboxInfo{Name: name, Running: c.running, Project: c.spec.Labels[LabelProject]})
	}
	return out, nil
}

type nopTerminal struct{ closed bool }

func (t *nopTerminal) Read([]byte) (int, error)                 { return 0, io.EOF }
func (t *nopTerminal) Write(p []byte) (int, error)              { return len(p), nil }
func (t *nopTerminal) Resize(context.Context, uint, uint) error { return nil }
func (t *nopTerminal) Close() error                             { t.closed = true; return nil }

var errBoom = errors.New("boom")

func writeSession(t *testing.T, dir, id string, ageRank int) {
	t.Helper()
	path := filepath.Join(dir, id+".jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	mod := time.Now().Add(time.Duration(ageRank-10) * time.Minute)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}
