// Package bridge relays a client connection to an interactive terminal inside
// an environment's sandbox.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/otel"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/shared"
)

var (
	errIdle           = errors.New("idle timeout")
	errClientClosed   = errors.New("client closed")
	errTerminalClosed = errors.New("terminal closed")
)

const (
	defaultHeartbeat = 30 * time.Second
	defaultIdle      = 30 * time.Minute
	readChunk        = 4096
	writeTimeout     = 10 * time.Second
	noticeTimeout    = time.Second
)

// Shells opens terminals and finds assistant sessions.
type Shells interface {
	OpenShell(ctx context.Context, name string, opts orchestrator.ShellOptions) (orchestrator.Terminal, error)
	DetectSession(sandbox, tool string) (string, error)
}

// Readiness waits for bootstrap completion and promotes pending environments.
type Readiness interface {
	WaitReady(ctx context.Context, sandbox string, onWait func()) error
	MarkRunning(ctx context.Context, project, id string) (persistence.Environment, error)
}

type Config struct {
	Store       *persistence.Store
	Shells      Shells
	Lifecycle   Readiness
	Sessions    *Sessions
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Logger      *slog.Logger
	Heartbeat   time.Duration
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Service accepts bridge connections.
type Service struct {
	store     *persistence.Store
	shells    Shells
	lifecycle Readiness
	sessions  *Sessions
	bus       *bus.Bus
	metrics   *otel.Metrics
	logger    *slog.Logger
	now       func() time.Time

	heartbeat atomic.Int64
	idle      atomic.Int64
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessions()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		store:     cfg.Store,
		shells:    cfg.Shells,
		lifecycle: cfg.Lifecycle,
		sessions:  cfg.Sessions,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	s.SetTimeouts(cfg.Heartbeat, cfg.IdleTimeout)
	return s
}

// SetTimeouts applies new liveness settings to current and future bridges.
// Non-positive values select the defaults.
func (s *Service) SetTimeouts(heartbeat, idle time.Duration) {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if idle <= 0 {
		idle = defaultIdle
	}
	s.heartbeat.Store(int64(heartbeat))
	s.idle.Store(int64(idle))
}

func (s *Service) timeouts() (heartbeat, idle time.Duration) {
	return time.Duration(s.heartbeat.Load()), time.Duration(s.idle.Load())
}

func (s *Service) Sessions() *Sessions { return s.sessions }

// Shutdown closes every live bridge.
func (s *Service) Shutdown() { s.sessions.CloseAll() }

// Request selects the environment a connection attaches to.
type Request struct {
	Project     string
	Environment string
	Rows, Cols  uint
}

// Serve runs one bridge until either side goes away. It always closes conn.
func (s *Service) Serve(ctx context.Context, conn Conn, req Request) {
	connID := shared.NewConnID()
	ctx = shared.WithConnID(shared.WithEnvironment(ctx, req.Project, req.Environment), connID)
	logger := s.logger.With("project", req.Project, "environment", req.Environment, "conn_id", connID)

	env, err := s.store.GetEnvironment(ctx, req.Project, req.Environment)
	if err != nil {
		msg := fmt.Sprintf("Failed to load environment: %v", err)
		if errors.Is(err, persistence.ErrNotFound) {
			msg = fmt.Sprintf("Environment %s/%s not found.", req.Project, req.Environment)
		}
		s.reject(ctx, conn, msg, "not found")
		return
	}
	tool, err := orchestrator.LookupTool(env.AITool)
	if err != nil {
		s.reject(ctx, conn, "Error: "+err.Error(), "bad tool")
		return
	}
	logger = logger.With("sandbox", env.Sandbox)

	// Connection I/O outlives the bridge context so teardown can still
	// deliver its notice and a close frame.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()
	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	b := &bridge{
		svc:        s,
		conn:       conn,
		env:        env,
		tool:       tool,
		req:        req,
		logger:     logger,
		cancel:     cancel,
		connCtx:    connCtx,
		connCancel: connCancel,
		handle: &Handle{
			ConnID:      connID,
			Project:     req.Project,
			Environment: req.Environment,
			Started:     s.now(),
			cancel:      cancel,
		},
	}
	b.touch()

	if env.Status == persistence.StatusPending {
		_ = b.send(Notice("Environment is still being set up."))
	}
	b.attach(ctx)
	b.teardown(b.serve(bctx))
}

func (s *Service) reject(ctx context.Context, conn Conn, msg, reason string) {
	_ = conn.Write(ctx, Notice(msg))
	_ = conn.Close(reason)
}

type bridge struct {
	svc    *Service
	conn   Conn
	term   orchestrator.Terminal
	env    persistence.Environment
	tool   orchestrator.Tool
	req    Request
	handle *Handle
	logger *slog.Logger
	cancel context.CancelCauseFunc

	connCtx    context.Context
	connCancel context.CancelFunc

	lastActivity atomic.Int64
	lastBeat     atomic.Int64
	cleared      atomic.Bool
	resumed      bool

	wg   sync.WaitGroup
	once sync.Once
}

func (b *bridge) touch() {
	now := b.svc.now().UnixNano()
	b.lastActivity.Store(now)
	b.lastBeat.Store(now)
}

func (b *bridge) send(f ServerFrame) error {
	return b.sendWithin(writeTimeout, f)
}

func (b *bridge) sendWithin(d time.Duration, f ServerFrame) error {
	ctx, cancel := context.WithTimeout(b.connCtx, d)
	defer cancel()
	return b.conn.Write(ctx, f)
}

// attach clears the disconnect mark and takes ownership of the environment.
func (b *bridge) attach(ctx context.Context) {
	s := b.svc
	if _, err := s.store.UpdateEnvironment(ctx, b.env.Project, b.env.ID, func(e *persistence.Environment) error {
		if e.DisconnectedAt == nil {
			return persistence.ErrNoChange
		}
		e.DisconnectedAt = nil
		return nil
	}); err != nil {
		b.logger.Warn("clear disconnected_at", "error", err)
	}
	if prev := s.sessions.Register(b.handle); prev != nil {
		s.bus.Publish(bus.TopicBridgeSuperseded, bus.BridgeEvent{
			Project: prev.Project, Environment: prev.Environment, ConnID: prev.ConnID, Reason: "superseded",
		})
	}
	s.metrics.ActiveBridges.Add(ctx, 1)
	s.bus.Publish(bus.TopicBridgeConnected, bus.BridgeEvent{
		Project: b.env.Project, Environment: b.env.ID, ConnID: b.handle.ConnID,
	})
	b.logger.Info("bridge connected")
}

func (b *bridge) serve(ctx context.Context) error {
	s := b.svc
	inbound := make(chan ClientFrame)
	b.wg.Add(1)
	go b.readClient(ctx, inbound)

	if err := b.waitReady(ctx, inbound); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !errors.Is(err, errClientClosed) {
			_ = b.send(Notice(readinessDiagnostic(err)))
		}
		return err
	}
	if b.env.Status == persistence.StatusPending {
		if _, err := s.lifecycle.MarkRunning(ctx, b.env.Project, b.env.ID); err != nil {
			b.logger.Warn("mark running", "error", err)
		}
	}

	term, err := b.openTool(ctx)
	if err != nil {
		_ = b.send(Notice("Failed to start shell: " + err.Error()))
		return err
	}
	b.term = term
	// Idle time counts from the moment the shell is usable.
	b.touch()
	return b.run(ctx, inbound)
}

// waitReady blocks until the sandbox is bootstrapped while keeping the
// client side of the connection serviced.
func (b *bridge) waitReady(ctx context.Context, inbound <-chan ClientFrame) error {
	done := make(chan error, 1)
	go func() {
		done <- b.svc.lifecycle.WaitReady(ctx, b.env.Sandbox, func() {
			_ = b.send(Notice("Initializing environment, please wait..."))
		})
	}()

	ticker := time.NewTicker(b.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return context.Cause(ctx)
		case f := <-inbound:
			b.lastBeat.Store(b.svc.now().UnixNano())
			switch f.Type {
			case TypePing:
				if err := b.send(ServerFrame{Type: TypePong}); err != nil {
					return fmt.Errorf("%w: %v", errClientClosed, err)
				}
			case TypeResize:
				if f.Rows > 0 && f.Cols > 0 {
					b.req.Rows, b.req.Cols = f.Rows, f.Cols
				}
			default:
				b.logger.Debug("dropping frame before shell is ready", "type", f.Type)
			}
		case <-ticker.C:
			if err := b.heartbeat(); err != nil {
				return err
			}
		}
	}
}

func readinessDiagnostic(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrSandboxNotRunning), errors.Is(err, orchestrator.ErrSandboxNotFound):
		return "Environment is not running. Start it and reconnect."
	case errors.Is(err, lifecycle.ErrBootstrapFailed):
		return "Environment setup failed: " + strings.TrimPrefix(err.Error(), lifecycle.ErrBootstrapFailed.Error()+": ")
	case errors.Is(err, lifecycle.ErrReadinessTimeout):
		return "Environment did not become ready in time."
	}
	return "Error: " + err.Error()
}

// openTool resumes the cached assistant session when possible and otherwise
// starts a fresh one. A failed resume never fails the connection.
func (b *bridge) openTool(ctx context.Context) (orchestrator.Terminal, error) {
	opts := orchestrator.ShellOptions{Rows: b.req.Rows, Cols: b.req.Cols}
	if b.env.SessionID != "" && b.tool.SupportsResume() {
		if cmd := b.tool.ResumeSession(b.env.SessionID); cmd != nil {
			opts.Cmd = cmd
			term, err := b.svc.shells.OpenShell(ctx, b.env.Sandbox, opts)
			if err == nil {
				b.resumed = true
				b.logger.Info("resumed assistant session", "session_id", b.env.SessionID)
				return term, nil
			}
			b.logger.Warn("resume failed, starting fresh session", "session_id", b.env.SessionID, "error", err)
		}
	}
	opts.Cmd = b.tool.StartInteractive()
	return b.svc.shells.OpenShell(ctx, b.env.Sandbox, opts)
}

func (b *bridge) run(ctx context.Context, inbound <-chan ClientFrame) error {
	b.wg.Add(1)
	go b.readTerminal(ctx)

	ticker := time.NewTicker(b.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case f := <-inbound:
			if err := b.handleFrame(ctx, f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := b.checkLiveness(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *bridge) checkInterval() time.Duration {
	hb, idle := b.svc.timeouts()
	d := min(hb, idle) / 4
	return min(max(d, 10*time.Millisecond), time.Second)
}

func (b *bridge) checkLiveness(ctx context.Context) error {
	_, idle := b.svc.timeouts()
	if b.svc.now().Sub(time.Unix(0, b.lastActivity.Load())) >= idle {
		b.svc.metrics.IdleTerminations.Add(ctx, 1)
		_ = b.send(Notice(fmt.Sprintf("Session closed after %s of inactivity.", idle)))
		return errIdle
	}
	return b.heartbeat()
}

// heartbeat sends a heartbeat frame when nothing has crossed the
// connection for a full heartbeat interval.
func (b *bridge) heartbeat() error {
	hb, _ := b.svc.timeouts()
	now := b.svc.now()
	if now.Sub(time.Unix(0, b.lastBeat.Load())) < hb {
		return nil
	}
	if err := b.send(ServerFrame{Type: TypeHeartbeat}); err != nil {
		return fmt.Errorf("%w: %v", errClientClosed, err)
	}
	b.lastBeat.Store(now.UnixNano())
	return nil
}

func (b *bridge) handleFrame(ctx context.Context, f ClientFrame) error {
	b.lastBeat.Store(b.svc.now().UnixNano())
	switch f.Type {
	case TypeInput:
		b.lastActivity.Store(b.svc.now().UnixNano())
		if isClear(f.Data) {
			b.clearSession(ctx)
			return b.send(ServerFrame{Type: TypeOutput, Data: ClearScreen})
		}
		n, err := b.term.Write([]byte(f.Data))
		if err != nil {
			return fmt.Errorf("%w: %v", errTerminalClosed, err)
		}
		b.svc.metrics.BridgeBytes.Add(ctx, int64(n), metric.WithAttributes(otel.AttrDirection.String("in")))
	case TypeResize:
		if f.Rows == 0 || f.Cols == 0 {
			return nil
		}
		if err := b.term.Resize(ctx, f.Rows, f.Cols); err != nil {
			b.logger.Debug("resize", "rows", f.Rows, "cols", f.Cols, "error", err)
		}
	case TypePing:
		return b.send(ServerFrame{Type: TypePong})
	default:
		b.logger.Debug("ignoring frame", "type", f.Type)
	}
	return nil
}

// clearSession forgets the cached assistant session and stops this
// connection from capturing a new one.
func (b *bridge) clearSession(ctx context.Context) {
	b.cleared.Store(true)
	if _, err := b.svc.store.UpdateEnvironment(ctx, b.env.Project, b.env.ID, func(e *persistence.Environment) error {
		if e.SessionID == "" {
			return persistence.ErrNoChange
		}
		e.SessionID = ""
		return nil
	}); err != nil {
		b.logger.Warn("clear session id", "error", err)
	}
	b.logger.Info("assistant session cleared")
}

func (b *bridge) readClient(ctx context.Context, inbound chan<- ClientFrame) {
	defer b.wg.Done()
	for {
		f, err := b.conn.Read(b.connCtx)
		if err != nil {
			b.cancel(fmt.Errorf("%w: %v", errClientClosed, err))
			return
		}
		select {
		case inbound <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (b *bridge) readTerminal(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, err := b.term.Read(buf)
		if n > 0 {
			b.lastActivity.Store(b.svc.now().UnixNano())
			var out string
			out, pending = takeUTF8(append(pending, buf[:n]...))
			if out != "" {
				b.svc.metrics.BridgeBytes.Add(ctx, int64(len(out)), metric.WithAttributes(otel.AttrDirection.String("out")))
				if werr := b.send(ServerFrame{Type: TypeOutput, Data: out}); werr != nil {
					b.cancel(fmt.Errorf("%w: %v", errClientClosed, werr))
					return
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				_ = b.send(ServerFrame{Type: TypeOutput, Data: strings.ToValidUTF8(string(pending), "\uFFFD")})
			}
			b.cancel(fmt.Errorf("%w: %v", errTerminalClosed, err))
			return
		}
	}
}

// takeUTF8 returns the valid-UTF-8 prefix of buf, holding back an incomplete
// trailing rune for the next read.
func takeUTF8(buf []byte) (string, []byte) {
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), buf[cut:]...)
	return strings.ToValidUTF8(string(buf[:cut]), "\uFFFD"), rest
}

func reasonFor(cause error) string {
	switch {
	case cause == nil:
		return "closed"
	case errors.Is(cause, errSuperseded):
		return "superseded"
	case errors.Is(cause, errShutdown):
		return "shutdown"
	case errors.Is(cause, errIdle):
		return "idle"
	case errors.Is(cause, errClientClosed):
		return "client closed"
	case errors.Is(cause, errTerminalClosed):
		return "terminal closed"
	}
	return "error"
}

// teardown releases the terminal and the connection, leaves the session
// table and records the disconnect. It runs exactly once.
func (b *bridge) teardown(cause error) {
	b.once.Do(func() {
		s := b.svc
		reason := reasonFor(cause)
		b.cancel(cause)

		switch {
		case errors.Is(cause, errSuperseded):
			_ = b.sendWithin(noticeTimeout, Notice("Session opened in another window; closing this one."))
		case errors.Is(cause, errShutdown):
			_ = b.sendWithin(noticeTimeout, Notice("Server is shutting down."))
		case errors.Is(cause, errTerminalClosed):
			_ = b.sendWithin(noticeTimeout, Notice("Shell exited."))
		}

		if b.term != nil {
			_ = b.term.Close()
		}
		_ = b.conn.Close(reason)
		b.connCancel()
		b.wg.Wait()

		owner := s.sessions.Unregister(b.handle)
		sessionID := b.record(owner)

		ctx := context.Background()
		s.metrics.ActiveBridges.Add(ctx, -1)
		s.metrics.BridgeDuration.Record(ctx, s.now().Sub(b.handle.Started).Seconds())
		s.bus.Publish(bus.TopicBridgeDisconnected, bus.BridgeEvent{
			Project: b.env.Project, Environment: b.env.ID, ConnID: b.handle.ConnID,
			Reason: reason, SessionID: sessionID,
		})
		b.logger.Info("bridge closed", "reason", reason, "resumed", b.resumed, "session_id", sessionID)
	})
}

// record stamps disconnected_at and captures the newest assistant session id.
// Only a running environment still owned by this bridge is stamped; the
// reaper must never collect a pending or stopped one.
func (b *bridge) record(owner bool) string {
	s := b.svc
	var sessionID string
	if !b.cleared.Load() && b.tool.SupportsResume() && b.term != nil {
		id, err := s.shells.DetectSession(b.env.Sandbox, b.tool.Name())
		if err != nil {
			b.logger.Warn("detect session", "error", err)
		}
		sessionID = id
	}
	now := s.now().UTC()
	_, err := s.store.UpdateEnvironment(context.Background(), b.env.Project, b.env.ID, func(e *persistence.Environment) error {
		changed := false
		if owner && e.Status == persistence.StatusRunning {
			e.DisconnectedAt = &now
			changed = true
		}
		if sessionID != "" && sessionID != e.SessionID {
			e.SessionID = sessionID
			changed = true
		}
		if !changed {
			return persistence.ErrNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		b.logger.Warn("record disconnect", "error", err)
	}
	return sessionID
}
