package orchestrator

import (
	"context"
	"io"
	"time"
)

// Engine is the slice of the container runtime the orchestrator drives.
// Implementations translate runtime "not found" errors into ErrSandboxNotFound
// and name conflicts into ErrNameConflict.
type Engine interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, name string) (State, error)
	// Exec starts cmd with a pseudo-terminal and returns the attached stream.
	Exec(ctx context.Context, name string, spec ExecSpec) (Terminal, error)
	// Run executes cmd without a terminal and returns its stdout and exit code.
	Run(ctx context.Context, name string, cmd []string) (string, int, error)
	ListImageTags(ctx context.Context) ([]string, error)
	ListSandboxes(ctx context.Context) ([]SandboxInfo, error)
	Close() error
}

// ContainerSpec describes a long-lived sandbox container.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	MemoryBytes int64
	Network     string
	Binds       []string
	WorkingDir  string
}

// ExecSpec describes an interactive exec.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	Rows, Cols uint
}

// State is what the runtime reports about a sandbox. The runtime is the
// source of truth for both fields.
type State struct {
	Exists  bool
	Running bool
}

// SandboxInfo is a labelled container found on the engine.
type SandboxInfo struct {
	Name        string
	Running     bool
	Project     string
	Environment string
	Tool        string
}

// Terminal is a live pseudo-terminal session inside a sandbox.
type Terminal interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, rows, cols uint) error
	Close() error
}
