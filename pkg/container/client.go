// Package container provisions test guests as local containers and adapts
// them to the connector interface. It speaks the Docker Engine API; rootless
// podman works as well through its docker-compatible socket.
package container

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/mensylisir/testxm/pkg/logger"
)

// Client wraps the Docker API client with the operations guest
// provisioning needs.
type Client struct {
	cli *client.Client
}

// NewClient connects to the daemon configured through the standard
// DOCKER_HOST environment and verifies it responds.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping container daemon: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// EnsureImage pulls the image unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	if _, err := reference.ParseNormalizedNamed(imageName); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", imageName, err)
	}
	if _, err := c.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	logger.Get().Infof("Pulling image %s", imageName)
	out, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer out.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", imageName, err)
	}
	return nil
}

func (c *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	args := filters.NewArgs()
	args.Add("reference", imageName)
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return false, fmt.Errorf("check for image %q: %w", imageName, err)
	}
	return len(images) > 0, nil
}

// StartOptions describes a guest container.
type StartOptions struct {
	Image      string
	Name       string
	Hostname   string
	Env        map[string]string
	Volumes    []string
	Ports      map[string]string
	Privileged bool
	// Cmd keeps the container alive; defaults to sleeping forever.
	Cmd []string
}

// Start creates and starts a guest container, returning its ID.
func (c *Client) Start(ctx context.Context, opts StartOptions) (string, error) {
	if err := c.EnsureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	exposedPorts, portBindings, err := buildPortMaps(opts.Ports)
	if err != nil {
		return "", err
	}
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}

	config := &container.Config{
		Image:        opts.Image,
		Hostname:     opts.Hostname,
		Cmd:          cmd,
		Env:          envList(opts.Env),
		ExposedPorts: exposedPorts,
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        opts.Volumes,
		Privileged:   opts.Privileged,
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", opts.Name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container %q (%s): %w", opts.Name, shortID(resp.ID), err)
	}
	logger.Get().Debugf("Started container %s (%s)", opts.Name, shortID(resp.ID))
	return resp.ID, nil
}

// Find returns the ID of the named container, running or not.
func (c *Client) Find(ctx context.Context, name string) (string, bool, error) {
	args := filters.NewArgs()
	args.Add("name", "^/"+name+"$")
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", false, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	return containers[0].ID, true, nil
}

func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", shortID(containerID), err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

// Restart stops and starts the container again, preserving its filesystem.
// This is how container guests reboot.
func (c *Client) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("restart container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (c *Client) Logs(ctx context.Context, containerID string) (string, error) {
	out, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("logs for container %s: %w", shortID(containerID), err)
	}
	defer out.Close()
	var buf strings.Builder
	if _, err := io.Copy(&buf, out); err != nil {
		return "", fmt.Errorf("read logs for container %s: %w", shortID(containerID), err)
	}
	return buf.String(), nil
}

func envList(env map[string]string) []string {
	var out []string
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// buildPortMaps translates hostPort -> containerPort[/proto] pairs into the
// nat types the engine API wants.
func buildPortMaps(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range ports {
		proto := "tcp"
		portNum := containerPort
		if strings.Contains(containerPort, "/") {
			parts := strings.SplitN(containerPort, "/", 2)
			portNum, proto = parts[0], parts[1]
		}
		port, err := nat.NewPort(proto, portNum)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}

		hostBinding := hostPort
		if strings.Contains(hostPort, ":") {
			parts := strings.Split(hostPort, ":")
			hostBinding = parts[len(parts)-1]
		}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostBinding}}
	}
	return exposed, bindings, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
