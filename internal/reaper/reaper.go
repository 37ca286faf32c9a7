// Package reaper stops running environments that have had no attached
// client for longer than a grace period.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/otel"
	"github.com/basket/agentbox/internal/persistence"
)

// scheduleParser accepts standard 5-field expressions and descriptors such as
// "@every 60s" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	DefaultSchedule = "@every 60s"
	DefaultGrace    = 300 * time.Second
)

// Stopper stops an environment on behalf of the reaper. Implementations must
// re-read the environment and leave it untouched unless its recorded
// disconnect is older than olderThan.
type Stopper interface {
	Reap(ctx context.Context, project, id string, olderThan time.Time) (persistence.Environment, error)
}

// Liveness reports whether a client is attached to an environment.
type Liveness interface {
	IsLive(project, env string) bool
}

type Config struct {
	Store    *persistence.Store
	Stopper  Stopper
	Liveness Liveness
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
	Schedule string
	Grace    time.Duration
}

// Reaper runs Sweep on a cron schedule.
type Reaper struct {
	store    *persistence.Store
	stopper  Stopper
	liveness Liveness
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
	schedule cronlib.Schedule
	spec     string
	grace    atomic.Int64

	sweepMu sync.Mutex
	stats   Stats
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", spec, err)
	}
	return sched, nil
}

func New(cfg Config) (*Reaper, error) {
	if cfg.Store == nil || cfg.Stopper == nil {
		return nil, errors.New("reaper: store and stopper are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	r := &Reaper{
		store:    cfg.Store,
		stopper:  cfg.Stopper,
		liveness: cfg.Liveness,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		schedule: sched,
		spec:     cfg.Schedule,
	}
	r.SetGrace(cfg.Grace)
	return r, nil
}

// SetGrace changes the disconnect grace period for subsequent sweeps.
// Non-positive values select DefaultGrace.
func (r *Reaper) SetGrace(d time.Duration) {
	if d <= 0 {
		d = DefaultGrace
	}
	r.grace.Store(int64(d))
}

func (r *Reaper) Grace() time.Duration { return time.Duration(r.grace.Load()) }

// Stats summarizes the sweeps run since start.
type Stats struct {
	Sweeps    int64     `json:"sweeps"`
	Stopped   int64     `json:"stopped"`
	Errors    int64     `json:"errors"`
	LastSweep time.Time `json:"last_sweep,omitzero"`
}

func (r *Reaper) Stats() Stats {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return r.stats
}

// Start runs sweeps in a background goroutine until Stop or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", "schedule", r.spec, "grace", r.Grace())
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			r.Sweep(ctx, fired)
		}
	}
}

// Sweep stops every running environment whose last disconnect is older than
// the grace period and which has no live bridge. It returns how many
// environments it stopped. Failures are logged and the sweep continues.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	candidates, err := r.store.ListDisconnected(ctx)
	if err != nil {
		r.logger.Error("reaper: list disconnected environments", "error", err)
		return 0
	}
	grace := r.Grace()
	cutoff := now.Add(-grace)
	var stopped, failed int
	for _, env := range candidates {
		if ctx.Err() != nil {
			break
		}
		if env.DisconnectedAt == nil || !env.DisconnectedAt.Before(cutoff) {
			continue
		}
		if r.liveness != nil && r.liveness.IsLive(env.Project, env.ID) {
			continue
		}
		got, err := r.stopper.Reap(ctx, env.Project, env.ID, cutoff)
		if err != nil {
			failed++
			r.logger.Warn("reaper: stop environment",
				"project", env.Project, "environment", env.ID, "error", err)
			continue
		}
		if got.Status != persistence.StatusStopped {
			continue
		}
		stopped++
		r.metrics.ReaperStopped.Add(ctx, 1)
		r.bus.Publish(bus.TopicReaperStopped, bus.EnvRef{Project: env.Project, Environment: env.ID, Sandbox: env.Sandbox})
		r.logger.Info("reaper: stopped idle environment",
			"project", env.Project, "environment", env.ID,
			"disconnected_for", now.Sub(*env.DisconnectedAt).Round(time.Second))
	}
	r.stats.Sweeps++
	r.stats.Stopped += int64(stopped)
	r.stats.Errors += int64(failed)
	r.stats.LastSweep = now
	r.bus.Publish(bus.TopicReaperSweep, bus.ReaperSweep{Candidates: len(candidates), Stopped: stopped, Errors: failed})
	if stopped > 0 || failed > 0 {
		r.logger.Info("reaper sweep", "candidates", len(candidates), "stopped", stopped, "errors", failed)
	}
	return stopped
}
