package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker label keys stamped on every sandbox.
const (
	LabelProject     = "agentbox.project"
	LabelEnvironment = "agentbox.environment"
	LabelTool        = "agentbox.tool"
	LabelBootstrap   = "agentbox.bootstrap"
)

// DockerEngine implements Engine over the docker SDK client.
type DockerEngine struct {
	client *client.Client
}

// NewDockerEngine connects to host, or to the DOCKER_* environment when host is empty.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

func (d *DockerEngine) Close() error {
	return d.client.Close()
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// translate maps runtime errors onto the orchestrator's sentinels.
func translate(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("sandbox %q: %w", name, ErrSandboxNotFound)
	case errdefs.IsConflict(err):
		return fmt.Errorf("sandbox %q: %w: %v", name, ErrNameConflict, err)
	}
	return err
}

func (d *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		Labels:     spec.Labels,
		WorkingDir: spec.WorkingDir,
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: spec.MemoryBytes},
		NetworkMode: container.NetworkMode(spec.Network),
		Binds:       spec.Binds,
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) {
		// Image missing locally: pull once and retry.
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", spec.Image, pullErr)
		}
		resp, err = d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("create container %s: %w", spec.Name, ErrNameConflict)
		}
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerEngine) pullImage(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerEngine) StartContainer(ctx context.Context, name string) error {
	return translate(name, d.client.ContainerStart(ctx, name, container.StartOptions{}))
}

func (d *DockerEngine) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return translate(name, d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}))
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, name string) error {
	return translate(name, d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}))
}

func (d *DockerEngine) InspectContainer(ctx context.Context, name string) (State, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("inspect %s: %w", name, err)
	}
	st := State{Exists: true}
	if info.ContainerJSONBase != nil && info.State != nil {
		st.Running = info.State.Running
	}
	return st, nil
}

func (d *DockerEngine) Exec(ctx context.Context, name string, spec ExecSpec) (Terminal, error) {
	opts := container.ExecOptions{
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Cmd:          spec.Cmd,
	}
	if spec.Rows > 0 && spec.Cols > 0 {
		opts.ConsoleSize = &[2]uint{spec.Rows, spec.Cols}
	}
	created, err := d.client.ContainerExecCreate(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", translate(name, err))
	}
	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", translate(name, err))
	}
	return &dockerTerminal{
		client: d.client,
		execID: created.ID,
		conn:   attach.Conn,
		reader: attach.Reader,
		close:  attach.Close,
	}, nil
}

func (d *DockerEngine) Run(ctx context.Context, name string, cmd []string) (string, int, error) {
	created, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create: %w", translate(name, err))
	}
	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach: %w", translate(name, err))
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return "", -1, ctx.Err()
	case err := <-done:
		if err != nil {
			return "", -1, fmt.Errorf("exec read: %w", err)
		}
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.String(), inspect.ExitCode, nil
}

func (d *DockerEngine) ListImageTags(ctx context.Context) ([]string, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var tags []string
	for _, img := range images {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

func (d *DockerEngine) ListSandboxes(ctx context.Context) ([]SandboxInfo, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]SandboxInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, SandboxInfo{
			Name:        name,
			Running:     c.State == "running",
			Project:     c.Labels[LabelProject],
			Environment: c.Labels[LabelEnvironment],
			Tool:        c.Labels[LabelTool],
		})
	}
	return out, nil
}

// dockerTerminal adapts a hijacked exec stream. With Tty set the stream is
// raw, so no stdcopy demultiplexing is needed.
type dockerTerminal struct {
	client *client.Client
	execID string
	conn   net.Conn
	reader *bufio.Reader
	close  func()

	writeMu sync.Mutex
	once    sync.Once
}

func (t *dockerTerminal) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *dockerTerminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(p)
}

func (t *dockerTerminal) Resize(ctx context.Context, rows, cols uint) error {
	if rows == 0 || cols == 0 {
		return errors.New("resize: rows and cols must be positive")
	}
	return t.client.ContainerExecResize(ctx, t.execID, container.ResizeOptions{Height: rows, Width: cols})
}

func (t *dockerTerminal) Close() error {
	t.once.Do(t.close)
	return nil
}
