package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/persistence"
)

type fakeStopper struct {
	store *persistence.Store
	fail  map[string]bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeStopper) Reap(ctx context.Context, project, id string, olderThan time.Time) (persistence.Environment, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.fail[id] {
		return persistence.Environment{}, errors.New("docker unavailable")
	}
	return f.store.UpdateEnvironment(ctx, project, id, func(e *persistence.Environment) error {
		if e.DisconnectedAt == nil || !e.DisconnectedAt.Before(olderThan) {
			return persistence.ErrNoChange
		}
		e.Status = persistence.StatusStopped
		e.DisconnectedAt = nil
		return nil
	})
}

func (f *fakeStopper) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type liveSet map[string]bool

func (l liveSet) IsLive(_, env string) bool { return l[env] }

func openStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentbox.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateProject(context.Background(), persistence.Project{Name: "web", RepoURL: "https://github.com/acme/web"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return store
}

func seed(t *testing.T, store *persistence.Store, id string, status persistence.EnvStatus, disconnected *time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.InsertEnvironment(ctx, persistence.Environment{
		Project: "web", ID: id, BaseImage: "ubuntu:22.04", AITool: "claude",
		BranchMode: "new", Branch: "feature/" + id, Sandbox: "claude-env-web-" + id,
	}); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if status == persistence.StatusPending {
		return
	}
	if _, err := store.UpdateEnvironment(ctx, "web", id, func(e *persistence.Environment) error {
		e.Status = persistence.StatusRunning
		e.DisconnectedAt = disconnected
		return nil
	}); err != nil {
		t.Fatalf("update %s: %v", id, err)
	}
	if status == persistence.StatusStopped {
		if _, err := store.UpdateEnvironment(ctx, "web", id, func(e *persistence.Environment) error {
			e.Status = persistence.StatusStopped
			return nil
		}); err != nil {
			t.Fatalf("stop %s: %v", id, err)
		}
	}
}

func status(t *testing.T, store *persistence.Store, id string) persistence.EnvStatus {
	t.Helper()
	env, err := store.GetEnvironment(context.Background(), "web", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return env.Status
}

func TestSweep_StopsOnlyExpiredUnattached(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-time.Minute)

	seed(t, store, "expired", persistence.StatusRunning, &old)
	seed(t, store, "recent", persistence.StatusRunning, &recent)
	seed(t, store, "attached", persistence.StatusRunning, nil)
	seed(t, store, "live", persistence.StatusRunning, &old)
	seed(t, store, "stopped", persistence.StatusStopped, &old)
	seed(t, store, "pending", persistence.StatusPending, nil)

	stopper := &fakeStopper{store: store}
	sub := b.Subscribe("reaper.")
	defer b.Unsubscribe(sub)

	r, err := New(Config{
		Store: store, Stopper: stopper, Liveness: liveSet{"live": true}, Bus: b,
		Grace: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n := r.Sweep(context.Background(), now); n != 1 {
		t.Fatalf("Sweep stopped %d, want 1", n)
	}
	if got := stopper.called(); len(got) != 1 || got[0] != "expired" {
		t.Fatalf("Reap calls = %v", got)
	}
	want := map[string]persistence.EnvStatus{
		"expired":  persistence.StatusStopped,
		"recent":   persistence.StatusRunning,
		"attached": persistence.StatusRunning,
		"live":     persistence.StatusRunning,
		"stopped":  persistence.StatusStopped,
		"pending":  persistence.StatusPending,
	}
	for id, st := range want {
		if got := status(t, store, id); got != st {
			t.Errorf("%s: status = %s, want %s", id, got, st)
		}
	}

	var sawStopped, sawSweep bool
	timeout := time.After(time.Second)
	for !(sawStopped && sawSweep) {
		select {
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicReaperStopped:
				sawStopped = ev.Payload.(bus.EnvRef).Environment == "expired"
			case bus.TopicReaperSweep:
				p := ev.Payload.(bus.ReaperSweep)
				if p.Stopped != 1 || p.Candidates != 3 {
					t.Fatalf("sweep summary = %+v", p)
				}
				sawSweep = true
			}
		case <-timeout:
			t.Fatalf("missing events: stopped=%v sweep=%v", sawStopped, sawSweep)
		}
	}

	if n := r.Sweep(context.Background(), now); n != 0 {
		t.Fatalf("second sweep stopped %d, want 0", n)
	}
}

func TestSweep_GraceBoundaryAndReload(t *testing.T) {
	store := openStore(t, nil)
	now := time.Now().UTC()
	at := now.Add(-5 * time.Minute)
	seed(t, store, "edge", persistence.StatusRunning, &at)

	r, err := New(Config{Store: store, Stopper: &fakeStopper{store: store}, Grace: 5 * time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := r.Sweep(context.Background(), now); n != 0 {
		t.Fatalf("environment at exactly the grace period was stopped")
	}
	r.SetGrace(time.Minute)
	if n := r.Sweep(context.Background(), now); n != 1 {
		t.Fatalf("Sweep after grace reload stopped %d, want 1", n)
	}
}

// reconnectingLiveness simulates a client that reconnects and leaves again
// between candidate selection and the stop.
type reconnectingLiveness struct {
	store *persistence.Store
	at    time.Time
}

func (l reconnectingLiveness) IsLive(project, env string) bool {
	at := l.at
	_, _ = l.store.UpdateEnvironment(context.Background(), project, env, func(e *persistence.Environment) error {
		e.DisconnectedAt = &at
		return nil
	})
	return false
}

func TestSweep_FreshDisconnectAfterSelectionSurvives(t *testing.T) {
	store := openStore(t, nil)
	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)
	seed(t, store, "flappy", persistence.StatusRunning, &old)

	r, err := New(Config{
		Store: store, Stopper: &fakeStopper{store: store},
		Liveness: reconnectingLiveness{store: store, at: now},
		Grace:    5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := r.Sweep(context.Background(), now); n != 0 {
		t.Fatalf("Sweep stopped %d, want 0", n)
	}
	if got := status(t, store, "flappy"); got != persistence.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	store := openStore(t, nil)
	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	seed(t, store, "a", persistence.StatusRunning, &old)
	seed(t, store, "b", persistence.StatusRunning, &old)

	stopper := &fakeStopper{store: store, fail: map[string]bool{"a": true}}
	r, err := New(Config{Store: store, Stopper: stopper})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := r.Sweep(context.Background(), now); n != 1 {
		t.Fatalf("Sweep stopped %d, want 1", n)
	}
	if got := status(t, store, "a"); got != persistence.StatusRunning {
		t.Fatalf("failed environment status = %s", got)
	}
	if got := status(t, store, "b"); got != persistence.StatusStopped {
		t.Fatalf("b status = %s", got)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 60s", "*/2 * * * *", "@hourly"} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Errorf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := ParseSchedule("every minute"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := New(Config{Store: openStore(t, nil), Stopper: &fakeStopper{}, Schedule: "nope"}); err == nil {
		t.Fatal("New accepted an invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	store := openStore(t, nil)
	old := time.Now().Add(-time.Hour).UTC()
	seed(t, store, "idle", persistence.StatusRunning, &old)

	r, err := New(Config{Store: store, Stopper: &fakeStopper{store: store}, Schedule: "@every 1s", Grace: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for status(t, store, "idle") != persistence.StatusStopped {
		if time.Now().After(deadline) {
			r.Stop()
			t.Fatal("scheduled sweep never stopped the idle environment")
		}
		time.Sleep(20 * time.Millisecond)
	}
	r.Stop()
}

func TestStats(t *testing.T) {
	store := openStore(t, nil)
	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	seed(t, store, "a", persistence.StatusRunning, &old)

	r, err := New(Config{Store: store, Stopper: &fakeStopper{store: store}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Sweep(context.Background(), now)
	r.Sweep(context.Background(), now)
	st := r.Stats()
	if st.Sweeps != 2 || st.Stopped != 1 || st.Errors != 0 || !st.LastSweep.Equal(now) {
		t.Fatalf("Stats = %+v", st)
	}
}
