package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/sandbox"
)

// Driver implements sandbox.Driver on the Docker Engine API.
type Driver struct {
	client *client.Client
}

// NewDriver creates a Docker-backed sandbox driver from the environment.
func NewDriver() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Driver{client: cli}, nil
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "docker"
}

// Ping verifies connectivity to the Docker daemon
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection
func (d *Driver) Close() error {
	return d.client.Close()
}

// Spawn creates and starts a sandbox container.
func (d *Driver) Spawn(ctx context.Context, cfg sandbox.SpawnConfig) (string, error) {
	containerConfig := &dockercontainer.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		Tty:        false,
	}

	var mounts []mount.Mount
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &dockercontainer.HostConfig{
		Mounts:     mounts,
		AutoRemove: cfg.AutoRemove,
		ExtraHosts: cfg.ExtraHosts,
		Init:       boolPtr(true),
		Resources:  buildResourceConstraints(cfg.Memory, cfg.CPUs),
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start sandbox: %w", err)
	}

	return resp.ID, nil
}

// Stop stops a sandbox container
func (d *Driver) Stop(ctx context.Context, sandboxID string) error {
	return d.client.ContainerStop(ctx, sandboxID, dockercontainer.StopOptions{})
}

// Remove removes a sandbox container
func (d *Driver) Remove(ctx context.Context, sandboxID string, force bool) error {
	return d.client.ContainerRemove(ctx, sandboxID, dockercontainer.RemoveOptions{Force: force})
}

// Exec runs a command to completion inside a running sandbox.
func (d *Driver) Exec(ctx context.Context, sandboxID string, cfg sandbox.ExecConfig) (*sandbox.ExecResult, error) {
	execConfig := dockercontainer.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		User:         cfg.User,
	}

	execResp, err := d.client.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// ExecInteractive starts a long-lived process with attached pipes. The
// agent runtime for a session runs through this.
func (d *Driver) ExecInteractive(ctx context.Context, sandboxID string, cfg sandbox.ExecConfig) (*sandbox.Process, error) {
	execConfig := dockercontainer.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          false,
		User:         cfg.User,
	}

	execResp, err := d.client.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	// Demux the multiplexed stream into separate stdout/stderr pipes.
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
	}()

	execID := execResp.ID
	wait := func() (int, error) {
		for {
			inspectResp, err := d.client.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, fmt.Errorf("failed to inspect exec: %w", err)
			}
			if !inspectResp.Running {
				return inspectResp.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	stdin := &hijackedWriteCloser{conn: attachResp}
	return sandbox.NewProcess(stdin, stdoutReader, stderrReader, wait), nil
}

// hijackedWriteCloser wraps a HijackedResponse to implement io.WriteCloser
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (n int, err error) {
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	h.conn.Close()
	return nil
}

// Status returns the sandbox container status
func (d *Driver) Status(ctx context.Context, sandboxID string) (sandbox.Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return sandbox.StatusUnknown, err
	}

	switch inspect.State.Status {
	case "created":
		return sandbox.StatusCreated, nil
	case "running":
		return sandbox.StatusRunning, nil
	case "exited":
		return sandbox.StatusExited, nil
	case "dead":
		return sandbox.StatusDead, nil
	default:
		return sandbox.StatusUnknown, nil
	}
}

// Logs returns recent sandbox output, used to diagnose start failures.
func (d *Driver) Logs(ctx context.Context, sandboxID string, tail string) (string, error) {
	if tail == "" {
		tail = "200"
	}
	logs, err := d.client.ContainerLogs(ctx, sandboxID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get sandbox logs: %w", err)
	}
	defer func() { _ = logs.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.String(), nil
}

// EnsureImage pulls the image when it is missing locally.
func (d *Driver) EnsureImage(ctx context.Context, imageName string) error {
	if _, err := d.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	logger.Info("Pulling sandbox image %s", imageName)
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	type pullProgress struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Error  string `json:"error"`
	}

	decoder := json.NewDecoder(reader)
	for {
		var msg pullProgress
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode pull output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull error: %s", msg.Error)
		}
		if msg.ID != "" {
			logger.Debug("Pull %s: %s %s", imageName, msg.ID, msg.Status)
		}
	}

	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// buildResourceConstraints creates Docker resource constraints from config
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}
	if memory != "" {
		if memBytes := parseMemoryString(memory); memBytes > 0 {
			resources.Memory = memBytes
		}
	}
	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}
	return resources
}

// parseMemoryString converts memory strings like "4G", "2048M" to bytes
func parseMemoryString(mem string) int64 {
	if mem == "" {
		return 0
	}

	var multiplier int64 = 1
	numStr := mem
	if len(mem) > 1 {
		switch mem[len(mem)-1] {
		case 'K', 'k':
			multiplier = 1024
			numStr = mem[:len(mem)-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'T', 't':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		}
	}

	var value int64
	_, _ = fmt.Sscanf(numStr, "%d", &value)
	return value * multiplier
}
