package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// DockerProbe is the slice of the container engine the checks use.
type DockerProbe interface {
	Ping(ctx context.Context) error
	ListImageTags(ctx context.Context) ([]string, error)
	Close() error
}

// dialDocker is replaced in tests.
var dialDocker = func(host string) (DockerProbe, error) {
	return orchestrator.NewDockerEngine(host)
}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		checkDocker,
		checkGit,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found, defaults in effect",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(os.Getenv("AGENTBOX_AUTH_TOKEN")) != "" {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "AGENTBOX_AUTH_TOKEN is set"}
	}
	path := filepath.Join(cfg.HomeDir, "auth.token")
	fi, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "auth.token not created yet",
			Detail: "The daemon generates it on first start"}
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: fmt.Sprintf("auth.token is readable by others (%v)", fi.Mode().Perm()),
			Detail: "chmod 600 " + path}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "auth.token present"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	envs, err := store.ListAllEnvironments(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d environments registered", len(envs))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(probe)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and sessions directories writable"}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "Config missing"}
	}
	engine, err := dialDocker(cfg.Docker.Host)
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("Client init failed: %v", err)}
	}
	defer engine.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := engine.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("Daemon unreachable: %v", err),
			Detail: "Start the docker daemon or set docker.host / AGENTBOX_DOCKER_HOST"}
	}

	tags, err := engine.ListImageTags(pingCtx)
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusWarn, Message: fmt.Sprintf("Image listing failed: %v", err)}
	}
	image := cfg.Docker.DefaultImage
	if !slices.Contains(tags, image) {
		return CheckResult{Name: "Docker", Status: StatusWarn, Message: "Daemon reachable",
			Detail: fmt.Sprintf("default image %s not present locally; it will be pulled on first create", image)}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: fmt.Sprintf("Daemon reachable, %d images", len(tags))}
}

func checkGit(_ context.Context, _ *config.Config) CheckResult {
	if _, err := lookPath("git"); err != nil {
		return CheckResult{Name: "Git", Status: StatusWarn, Message: "git not found in PATH",
			Detail: "Branch listing (GET /api/git/branches) needs git on the host"}
	}
	return CheckResult{Name: "Git", Status: StatusPass, Message: "git found"}
}

// checkBindAddr reports whether the configured address is free or already
// held, most likely by a running daemon.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Bind Address", Status: StatusWarn, Message: fmt.Sprintf("%s in use", cfg.BindAddr),
			Detail: "Expected when the daemon is running; run `agentbox status` to confirm"}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
