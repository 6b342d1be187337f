// Package agent implements NanoClaw's agent dispatcher (C6): container
// lifecycle for the opaque agent child process, the stdin-JSON /
// stdout-marker-block / stderr STATUS: protocol, and the per-batch
// workspace/mount/timeout orchestration. Adapted from the teacher's
// internal/agent/docker client (Create/Start/Attach/Wait/Kill/Remove,
// stdout/stderr demultiplexing), generalised from the teacher's generic
// ACP container shape to NanoClaw's own ContainerSpec/mount-allow-list
// model.
package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

// MountSpec is one resolved bind mount for a container launch.
type MountSpec struct {
	HostPath string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes one agent container run.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Mounts []MountSpec
	Stdin  string
}

// DockerClient wraps the Docker SDK client with the launch/attach/kill
// surface C6 needs.
type DockerClient struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logging.Logger
}

// NewDockerClient connects to the configured Docker host.
func NewDockerClient(cfg config.DockerConfig, logger *logging.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("agent: create docker client: %w", err)
	}
	return &DockerClient{cli: cli, cfg: cfg, logger: logger.WithFields(zap.String("component", "agent.docker"))}, nil
}

// Ping verifies the container runtime is reachable. Called by C10 at
// startup; a failure there is treated as a fatal per spec.md §7.
func (d *DockerClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("agent: docker ping: %w", err)
	}
	return nil
}

// Close releases the underlying Docker client.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// Process is a launched agent container, satisfying queue.ProcessHandle
// so C4 can terminate it on shutdown or cancellation.
type Process struct {
	id     string
	name   string
	cli    *client.Client
	logger *logging.Logger

	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// Launch creates, attaches, and starts an agent container for spec,
// returning a Process the caller pipes the batch prompt into and reads
// structured output from.
func (d *DockerClient) Launch(ctx context.Context, spec ContainerSpec) (*Process, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{"app": "nanoclaw", "container": spec.Name},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
		AutoRemove:  true,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("agent: create container %s: %w", spec.Name, err)
	}

	attach, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: attach container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("agent: start container %s: %w", spec.Name, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		demultiplex(attach.Reader, stdoutW, stderrW)
	}()

	go func() {
		defer attach.CloseWrite()
		if spec.Stdin != "" {
			_, _ = io.WriteString(attach.Conn, spec.Stdin)
		}
	}()

	return &Process{
		id:     resp.ID,
		name:   spec.Name,
		cli:    d.cli,
		logger: d.logger,
		Stdin:  nopWriteCloser{attach.Conn},
		Stdout: stdoutR,
		Stderr: stderrR,
	}, nil
}

// Wait blocks until the container exits and returns its exit code.
func (p *Process) Wait(ctx context.Context) (int64, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("agent: wait container %s: %w", p.name, err)
		}
	case st := <-statusCh:
		return st.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return -1, nil
}

// Terminate implements queue.ProcessHandle: SIGTERM first, escalating to
// SIGKILL if the container hasn't exited by ctx's deadline.
func (p *Process) Terminate(ctx context.Context) {
	_ = p.cli.ContainerKill(ctx, p.id, "SIGTERM")

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(graceWindow(ctx)):
		_ = p.cli.ContainerKill(ctx, p.id, "SIGKILL")
	}
}

// graceWindow returns the remaining time until ctx's deadline, or a 10s
// default if ctx carries none.
func graceWindow(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return 0
	}
	return 10 * time.Second
}

// demultiplex reads Docker's multiplexed stdin/stdout/stderr attach
// stream (8-byte frame header: stream type byte 0, big-endian uint32 size
// at bytes 4-7) and fans stdout (type 1) to stdoutW and stderr (type 2)
// to stderrW.
func demultiplex(r io.Reader, stdoutW, stderrW io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			_, _ = stdoutW.Write(data)
		case 2:
			_, _ = stderrW.Write(data)
		}
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
