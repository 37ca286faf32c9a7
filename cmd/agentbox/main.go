package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/agentbox/internal/audit"
	"github.com/basket/agentbox/internal/bridge"
	"github.com/basket/agentbox/internal/bus"
	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/gateway"
	"github.com/basket/agentbox/internal/gitops"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/orchestrator"
	otelPkg "github.com/basket/agentbox/internal/otel"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/reaper"
	"github.com/basket/agentbox/internal/telemetry"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON:
  %[1]s                          Start the daemon (default)
  %[1]s daemon                   Same as above

SUBCOMMANDS:
  %[1]s status                   Show daemon health (/healthz)
  %[1]s doctor [-json]           Run diagnostic checks
  %[1]s dash                     Live table of projects and environments
  %[1]s attach <project> <env>   Open the environment's assistant in this terminal
  %[1]s import [options]         Import a registry document (JSON or YAML)
                              Options: --path <file> (default: registry.yaml), --dry-run

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTBOX_HOME           Data directory (default: ~/.agentbox)
  AGENTBOX_AUTH_TOKEN     API token (default: <home>/auth.token, generated on first start)
  AGENTBOX_BIND_ADDR      Listen address (default: 127.0.0.1:8000)
  AGENTBOX_DOCKER_HOST    Docker engine endpoint (default: DOCKER_HOST or local socket)

EXAMPLES:
  Start the daemon:       %[1]s
  Check daemon health:    %[1]s status
  Attach to a sandbox:    %[1]s attach demo feature-login
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to <home>/logs only, not stdout")
	_ = flag.Bool("daemon", false, "run the daemon (default when no subcommand is given)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "dash":
			os.Exit(runDashCommand(ctx, args[1:]))
		case "attach":
			os.Exit(runAttachCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so E_LOGGER_INIT is still recorded.
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.Missing {
		logger.Info("config.yaml not found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.FromConfig(cfg.Telemetry))
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	engine, err := orchestrator.NewDockerEngine(cfg.Docker.Host)
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_DOCKER_INIT", err)
	}
	defer engine.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := engine.Ping(pingCtx); err != nil {
		logger.Warn("docker engine unreachable; sandbox operations will fail until it is up", "error", err)
	}
	cancelPing()

	orch := orchestrator.New(orchestrator.Config{
		Engine:       engine,
		SessionsDir:  cfg.SessionsDir(),
		DefaultImage: cfg.Docker.DefaultImage,
		MemoryMB:     int(cfg.Docker.MemoryMB),
		Network:      cfg.Docker.Network,
		GitUserName:  cfg.Git.UserName,
		GitUserEmail: cfg.Git.UserEmail,
		Logger:       logger.Logger,
		Tracer:       otelProvider.Tracer,
	})

	mgr := lifecycle.New(lifecycle.Config{
		Store:            store,
		Sandboxes:        orch,
		Audit:            auditLog,
		Bus:              eventBus,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		Logger:           logger.Logger,
		DefaultImage:     cfg.Docker.DefaultImage,
		ReadinessTimeout: cfg.ReadinessTimeout(),
	})
	defer mgr.Close()

	report, err := mgr.Reconcile(ctx)
	if err != nil {
		logger.Warn("startup reconciliation incomplete", "error", err)
	}
	logger.Info("startup phase", "phase", "reconciled",
		"checked", report.Checked,
		"stopped", report.Stopped,
		"missing", report.Missing,
		"rewatched", report.Rewatched,
		"disconnected", report.Disconnect,
		"orphans", len(report.Orphans))

	shells := bridge.NewService(bridge.Config{
		Store:       store,
		Shells:      orch,
		Lifecycle:   mgr,
		Bus:         eventBus,
		Metrics:     metrics,
		Logger:      logger.Logger,
		Heartbeat:   cfg.HeartbeatInterval(),
		IdleTimeout: cfg.IdleTimeout(),
	})

	reap, err := reaper.New(reaper.Config{
		Store:    store,
		Stopper:  mgr,
		Liveness: shells.Sessions(),
		Bus:      eventBus,
		Metrics:  metrics,
		Logger:   logger.Logger,
		Schedule: cfg.Reaper.Schedule,
		Grace:    cfg.ReaperGrace(),
	})
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_CONFIG_LOAD", err)
	}
	reap.Start(ctx)
	defer reap.Stop()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_AUTH_TOKEN", err)
	}

	var fingerprint atomic.Pointer[string]
	fp := cfg.Fingerprint()
	fingerprint.Store(&fp)

	gw, err := gateway.New(gateway.Config{
		Store:           store,
		Lifecycle:       mgr,
		Bridge:          shells,
		Docker:          orch,
		Git:             gitops.New(),
		Reaper:          reap,
		Bus:             eventBus,
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		Logger:          logger.Logger,
		AuthToken:       authToken,
		AllowOrigins:    cfg.AllowOrigins,
		CORS:            cfg.CORS,
		RateLimit:       cfg.RateLimit,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Fingerprint:     func() string { return *fingerprint.Load() },
		Version:         Version,
	})
	if err != nil {
		fatalStartup(logger.Logger, auditLog, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		r := &reloader{
			homeDir:     cfg.HomeDir,
			current:     cfg,
			bridge:      shells,
			reaper:      reap,
			lifecycle:   mgr,
			logLevel:    logger,
			fingerprint: &fingerprint,
			logger:      logger.Logger,
		}
		go r.run(ctx, watcher.Events())
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("port already in use", "bind_addr", cfg.BindAddr, "hint", portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger.Logger, auditLog, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	auditLog.Record(ctx, "daemon.start", audit.OutcomeOK, Version)
	logger.Info("startup phase", "phase", "ready", "bind_addr", ln.Addr().String(), "version", Version)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Bridges first so each one records its disconnect before the store closes.
	shells.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	reap.Stop()
	auditLog.Record(context.Background(), "daemon.stop", audit.OutcomeOK, "")
	logger.Info("shutdown complete")
}

// fatalStartup records a structured fatal event with its reason code and exits.
func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), "runtime.startup", audit.OutcomeError, reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := parseEnvLine(scanner.Text())
		if !ok || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// parseEnvLine splits a KEY=value line, skipping blanks and comments.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}

func authTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// readAuthToken returns the configured token without creating one.
func readAuthToken(homeDir string) string {
	if raw := strings.TrimSpace(os.Getenv("AGENTBOX_AUTH_TOKEN")); raw != "" {
		return raw
	}
	b, err := os.ReadFile(authTokenPath(homeDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// loadAuthToken returns the configured token, generating and persisting one
// on first run.
func loadAuthToken(homeDir string) (string, error) {
	if tok := readAuthToken(homeDir); tok != "" {
		return tok, nil
	}
	tokenPath := authTokenPath(homeDir)
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// daemonBaseURL turns bind_addr into the URL client subcommands dial.
func daemonBaseURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:8000"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: agentbox daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: agentbox daemon [--help]")
	fmt.Fprintln(w, "       agentbox -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the agentbox daemon: REST API, shell bridge and idle reaper.")
}
