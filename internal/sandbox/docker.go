package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Container runs subprocess capabilities in ephemeral containers instead of
// on the host.
type Container struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewContainer connects to the docker daemon from the environment.
func NewContainer(image string, memoryMB int64, networkMode, workspace string) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &Container{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// Exec runs argv in a fresh container with the workspace mounted at
// /workspace. The container is removed afterwards.
func (c *Container) Exec(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error) {
	if len(argv) == 0 {
		return "", "", -1, fmt.Errorf("empty command")
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory: c.memoryBytes,
		},
		NetworkMode: container.NetworkMode(c.networkMode),
	}
	if c.workspace != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", c.workspace)}
	}
	resp, err := c.client.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		Cmd:        argv,
		WorkingDir: "/workspace",
		Tty:        false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = c.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
	}()

	if err := c.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := c.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = c.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return "", "command cancelled", -1, ctx.Err()
	}

	out, err := c.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (c *Container) Close() error {
	return c.client.Close()
}

// Ping checks that the docker daemon answers.
func (c *Container) Ping(ctx context.Context) error {
	if _, err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}
