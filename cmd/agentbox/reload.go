package main

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/basket/agentbox/internal/config"
)

type timeoutSetter interface {
	SetTimeouts(heartbeat, idle time.Duration)
}

type graceSetter interface {
	SetGrace(d time.Duration)
}

type readinessSetter interface {
	SetReadinessTimeout(d time.Duration)
}

type levelSetter interface {
	SetLevel(level string)
}

// reloader applies the hot-reloadable subset of config.yaml to the running
// daemon. Everything else is reported as needing a restart.
type reloader struct {
	homeDir     string
	current     config.Config
	bridge      timeoutSetter
	reaper      graceSetter
	lifecycle   readinessSetter
	logLevel    levelSetter
	fingerprint *atomic.Pointer[string]
	logger      *slog.Logger
}

// run re-reads config.yaml on every watcher event until events closes.
func (r *reloader) run(ctx context.Context, events <-chan config.ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			next, err := config.LoadFrom(r.homeDir)
			if err != nil {
				r.logger.Warn("config reload rejected", "error", err)
				continue
			}
			r.apply(next)
		}
	}
}

// apply returns the changed keys that only take effect after a restart.
func (r *reloader) apply(next config.Config) []string {
	prev := r.current
	r.current = next

	if prev.HeartbeatInterval() != next.HeartbeatInterval() || prev.IdleTimeout() != next.IdleTimeout() {
		r.bridge.SetTimeouts(next.HeartbeatInterval(), next.IdleTimeout())
	}
	if prev.ReaperGrace() != next.ReaperGrace() {
		r.reaper.SetGrace(next.ReaperGrace())
	}
	if prev.ReadinessTimeout() != next.ReadinessTimeout() {
		r.lifecycle.SetReadinessTimeout(next.ReadinessTimeout())
	}
	if prev.LogLevel != next.LogLevel {
		r.logLevel.SetLevel(next.LogLevel)
	}
	fp := next.Fingerprint()
	r.fingerprint.Store(&fp)

	var restart []string
	if prev.BindAddr != next.BindAddr {
		restart = append(restart, "bind_addr")
	}
	if !slices.Equal(prev.AllowOrigins, next.AllowOrigins) {
		restart = append(restart, "allow_origins")
	}
	if prev.Docker != next.Docker {
		restart = append(restart, "docker")
	}
	if prev.Git != next.Git {
		restart = append(restart, "git")
	}
	if prev.Reaper.Schedule != next.Reaper.Schedule {
		restart = append(restart, "reaper.schedule")
	}
	if prev.RateLimit != next.RateLimit {
		restart = append(restart, "rate_limit")
	}
	if prev.Telemetry != next.Telemetry {
		restart = append(restart, "telemetry")
	}

	r.logger.Info("config reloaded",
		"fingerprint", fp,
		"heartbeat", next.HeartbeatInterval(),
		"idle_timeout", next.IdleTimeout(),
		"reaper_grace", next.ReaperGrace(),
		"readiness_timeout", next.ReadinessTimeout(),
		"log_level", next.LogLevel,
	)
	if len(restart) > 0 {
		r.logger.Warn("config changes require a restart", "keys", restart)
	}
	return restart
}
