package bridge

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
)

type fakeConn struct {
	in     chan ClientFrame
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []ServerFrame
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan ClientFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (ClientFrame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return ClientFrame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return ClientFrame{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return ClientFrame{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, f ServerFrame) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) snapshot() []ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ServerFrame(nil), c.frames...)
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeConn) output() string {
	var sb strings.Builder
	for _, f := range c.snapshot() {
		if f.Type == TypeOutput {
			sb.WriteString(f.Data)
		}
	}
	return sb.String()
}

func (c *fakeConn) waitFor(t *testing.T, what string, pred func([]ServerFrame) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !pred(c.snapshot()) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; frames: %+v", what, c.snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func hasOutput(sub string) func([]ServerFrame) bool {
	return func(frames []ServerFrame) bool {
		for _, f := range frames {
			if f.Type == TypeOutput && strings.Contains(f.Data, sub) {
				return true
			}
		}
		return false
	}
}

func hasType(typ string) func([]ServerFrame) bool {
	return func(frames []ServerFrame) bool {
		for _, f := range frames {
			if f.Type == typ {
				return true
			}
		}
		return false
	}
}

type fakeTerminal struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32

	mu      sync.Mutex
	written strings.Builder
	resizes [][2]uint
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (t *fakeTerminal) Read(p []byte) (int, error) {
	select {
	case b, ok := <-t.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *fakeTerminal) Write(p []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written.Write(p)
	return len(p), nil
}

func (t *fakeTerminal) Resize(_ context.Context, rows, cols uint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]uint{rows, cols})
	return nil
}

func (t *fakeTerminal) Close() error {
	t.closes.Add(1)
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTerminal) input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

type fakeShells struct {
	mu        sync.Mutex
	terms     []*fakeTerminal
	cmds      [][]string
	sizes     [][2]uint
	resumeErr error
	sessionID string
}

func (f *fakeShells) OpenShell(_ context.Context, _ string, opts orchestrator.ShellOptions) (orchestrator.Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, opts.Cmd)
	f.sizes = append(f.sizes, [2]uint{opts.Rows, opts.Cols})
	if f.resumeErr != nil && len(opts.Cmd) > 0 && opts.Cmd[0] == "sh" {
		return nil, f.resumeErr
	}
	term := newFakeTerminal()
	f.terms = append(f.terms, term)
	return term, nil
}

func (f *fakeShells) DetectSession(string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID, nil
}

func (f *fakeShells) term(t *testing.T, i int) *fakeTerminal {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		f.mu.Lock()
		if len(f.terms) > i {
			term := f.terms[i]
			f.mu.Unlock()
			return term
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("terminal %d never opened", i)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeReadiness struct {
	store *persistence.Store
	err   error
	delay time.Duration
	waits atomic.Int32
}

func (f *fakeReadiness) WaitReady(ctx context.Context, _ string, onWait func()) error {
	f.waits.Add(1)
	if f.err != nil {
		return f.err
	}
	if f.delay > 0 {
		onWait()
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

func (f *fakeShells) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

func (f *fakeReadiness) MarkRunning(ctx context.Context, project, id string) (persistence.Environment, error) {
	return f.store.UpdateEnvironment(ctx, project, id, func(e *persistence.Environment) error {
		if e.Status != persistence.StatusPending {
			return persistence.ErrNoChange
		}
		e.Status = persistence.StatusRunning
		return nil
	})
}

type harness struct {
	svc    *Service
	store  *persistence.Store
	shells *fakeShells
	ready  *fakeReadiness
	bus    *bus.Bus
}

func newHarness(t *testing.T, heartbeat, idle time.Duration) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentbox.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateProject(context.Background(), persistence.Project{Name: "demo", RepoURL: "https://github.com/acme/demo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	shells := &fakeShells{}
	ready := &fakeReadiness{store: store}
	svc := NewService(Config{
		Store:       store,
		Shells:      shells,
		Lifecycle:   ready,
		Bus:         b,
		Heartbeat:   heartbeat,
		IdleTimeout: idle,
	})
	return &harness{svc: svc, store: store, shells: shells, ready: ready, bus: b}
}

// env inserts an environment in the given status.
func (h *harness) env(t *testing.T, id string, status persistence.EnvStatus, sessionID string) persistence.Environment {
	t.Helper()
	ctx := context.Background()
	insert := persistence.StatusPending
	if status == persistence.StatusStopped {
		insert = persistence.StatusStopped
	}
	env, err := h.store.InsertEnvironment(ctx, persistence.Environment{
		Project: "demo", ID: id, BaseImage: "ubuntu:22.04", AITool: "claude",
		BranchMode: "new", Branch: "feature/" + id, Status: insert,
		Sandbox: orchestrator.SandboxName("claude", "demo", id),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	env, err = h.store.UpdateEnvironment(ctx, "demo", id, func(e *persistence.Environment) error {
		e.Status = status
		e.SessionID = sessionID
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	return env
}

func (h *harness) serve(conn Conn, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.svc.Serve(context.Background(), conn, Request{Project: "demo", Environment: id, Rows: 24, Cols: 80})
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
