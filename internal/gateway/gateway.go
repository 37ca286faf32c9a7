// Package gateway serves the REST control plane and the websocket endpoints.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentbox/internal/bridge"
	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/otel"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/reaper"
	"github.com/basket/agentbox/internal/shared"
)

// Docker is the container engine surface the gateway reports on.
type Docker interface {
	Ping(ctx context.Context) error
	ListImages(ctx context.Context) ([]string, error)
}

// BranchLister lists remote branch names.
type BranchLister interface {
	ListBranches(ctx context.Context, repoURL, token string) ([]string, error)
}

// ReaperStats exposes idle reaper counters for /metrics.
type ReaperStats interface {
	Stats() reaper.Stats
}

type Config struct {
	Store     *persistence.Store
	Lifecycle *lifecycle.Manager
	Bridge    *bridge.Service
	Docker    Docker
	Git       BranchLister
	Reaper    ReaperStats
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	AuthToken string

	// AllowOrigins lists Origin patterns accepted for browser websocket
	// connections. Same-origin requests are always accepted.
	AllowOrigins []string

	CORS            config.CORSConfig
	RateLimit       config.RateLimitConfig
	MaxRequestBytes int64

	// Fingerprint reports the active config hash; it changes on hot reload.
	Fingerprint func() string
	Version     string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	schemas   *bodySchemas
	auth      *AuthMiddleware
	ratelimit *RateLimitMiddleware
	started   time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Lifecycle == nil || cfg.Bridge == nil {
		return nil, errors.New("gateway: store, lifecycle and bridge are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = func() string { return "" }
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		schemas:   schemas,
		auth:      NewAuthMiddleware(cfg.AuthToken, "/healthz"),
		ratelimit: NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		started:   time.Now(),
	}, nil
}

// StartEviction prunes idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.ratelimit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{project}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/projects/{project}", s.handleDeleteProject)
	mux.HandleFunc("PUT /api/projects/{project}/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/projects/{project}/environments", s.handleListEnvironments)
	mux.HandleFunc("POST /api/projects/{project}/environments", s.handleCreateEnvironment)
	mux.HandleFunc("GET /api/projects/{project}/environments/{env}", s.handleGetEnvironment)
	mux.HandleFunc("DELETE /api/projects/{project}/environments/{env}", s.handleDeleteEnvironment)
	mux.HandleFunc("POST /api/projects/{project}/environments/{env}/stop", s.handleStopEnvironment)
	mux.HandleFunc("POST /api/projects/{project}/environments/{env}/start", s.handleStartEnvironment)
	mux.HandleFunc("GET /api/docker-images", s.handleDockerImages)
	mux.HandleFunc("GET /api/git/branches", s.handleGitBranches)
	mux.HandleFunc("GET /api/registry", s.handleRegistry)

	mux.HandleFunc("GET /ws/shell/{project}/{env}", s.handleShell)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = s.ratelimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.instrument(h)
}

func isWebsocketRoute(path string) bool {
	return strings.HasPrefix(path, "/ws/")
}

// statusRecorder captures the response status. It forwards Hijack so
// websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", r.ResponseWriter)
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument attaches a trace id and span to each request and records its
// duration and outcome.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		w.Header().Set("X-Trace-Id", traceID)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		route := routeLabel(r)
		s.metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(otel.AttrRoute.String(route)))
		if isWebsocketRoute(r.URL.Path) {
			return
		}
		s.logger.Debug("request",
			"method", r.Method, "route", route, "status", rec.status,
			"duration_ms", elapsed.Milliseconds(), "trace_id", traceID)
	})
}

// routeLabel is the matched mux pattern, falling back to the raw path.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	payload := map[string]any{
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.Fingerprint(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"live_bridges":       s.cfg.Bridge.Sessions().Count(),
	}
	dbOK := true
	if err := s.cfg.Store.Ping(ctx); err != nil {
		dbOK = false
		payload["db_error"] = err.Error()
	}
	dockerOK := s.cfg.Docker != nil
	if s.cfg.Docker != nil {
		if err := s.cfg.Docker.Ping(ctx); err != nil {
			dockerOK = false
			payload["docker_error"] = err.Error()
		}
	}
	payload["db_ok"] = dbOK
	payload["docker_ok"] = dockerOK
	payload["healthy"] = dbOK && dockerOK

	status := http.StatusOK
	if !dbOK || !dockerOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload := map[string]any{
		"environments":    counts,
		"live_bridges":    s.cfg.Bridge.Sessions().Count(),
		"bridges":         s.cfg.Bridge.Sessions().List(),
		"bus_subscribers": s.cfg.Bus.SubscriberCount(),
		"bus_dropped":     s.cfg.Bus.Dropped(),
	}
	if s.cfg.Reaper != nil {
		payload["reaper"] = s.cfg.Reaper.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}
