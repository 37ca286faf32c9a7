package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	EnvTransitions    metric.Int64Counter
	EnvCreateFailures metric.Int64Counter
	ReadinessDuration metric.Float64Histogram
	ActiveBridges     metric.Int64UpDownCounter
	BridgeDuration    metric.Float64Histogram
	BridgeBytes       metric.Int64Counter
	IdleTerminations  metric.Int64Counter
	ReaperStopped     metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentbox.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvTransitions, err = meter.Int64Counter("agentbox.env.transitions",
		metric.WithDescription("Environment status transitions, by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvCreateFailures, err = meter.Int64Counter("agentbox.env.create_failures",
		metric.WithDescription("Environment creates rolled back after an orchestration failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ReadinessDuration, err = meter.Float64Histogram("agentbox.env.readiness",
		metric.WithDescription("Time from create until the bootstrap sentinel appears"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveBridges, err = meter.Int64UpDownCounter("agentbox.bridge.active",
		metric.WithDescription("Currently connected shell bridges"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeDuration, err = meter.Float64Histogram("agentbox.bridge.duration",
		metric.WithDescription("Shell bridge connection lifetime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeBytes, err = meter.Int64Counter("agentbox.bridge.bytes",
		metric.WithDescription("Bytes relayed by shell bridges, by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.IdleTerminations, err = meter.Int64Counter("agentbox.bridge.idle_terminations",
		metric.WithDescription("Bridges closed by the idle ceiling"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperStopped, err = meter.Int64Counter("agentbox.reaper.stopped",
		metric.WithDescription("Environments stopped by the idle reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("agentbox.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Used when a component
// is built without metrics (tests, CLI subcommands).
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
