package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const (
	DefaultDockerImage = "browserless/chrome:latest"
	cdpPort            = "3000/tcp"
)

// DockerBackend runs each engine in its own browserless/chrome container
type DockerBackend struct {
	client *client.Client
	image  string
	http   *http.Client
	logger *zap.Logger
}

// NewDockerBackend connects to the Docker daemon configured in the
// environment. opts are applied after the environment settings.
func NewDockerBackend(img string, logger *zap.Logger, opts ...client.Opt) (*DockerBackend, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if img == "" {
		img = DefaultDockerImage
	}

	return &DockerBackend{
		client: cli,
		image:  img,
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: logger.Named("docker"),
	}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

// Start creates and starts a container, then waits for its CDP endpoint.
func (d *DockerBackend) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"managed-by": "browserplane",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",        // Sessions end through the control plane
			"MAX_CONCURRENT_SESSIONS=1",    // One engine per session
			"PREBOOT_CHROME=true",          // Pre-boot Chrome for faster startup
			"KEEP_ALIVE=true",              // Keep connections alive
			"EXIT_ON_HEALTH_FAILURE=false", // Don't exit on health check failures
			fmt.Sprintf("DEFAULT_HEADLESS=%t", opts.Headless),
			fmt.Sprintf("DEFAULT_LAUNCH_ARGS=[\"--window-size=%d,%d\"]", opts.Width, opts.Height),
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	name := opts.SessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "session-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	// From here on the container exists and must be removed on any failure.
	proc := &Process{Stop: d.stopper(resp.ID)}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return proc, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return proc, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		return proc, fmt.Errorf("container %s exposes no CDP port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := d.waitForBrowserReady(ctx, port); err != nil {
		return proc, fmt.Errorf("browser failed to become ready: %w", err)
	}

	proc.ControlURL = fmt.Sprintf("ws://127.0.0.1:%s", port)
	d.logger.Debug("Container started",
		zap.String("session_id", opts.SessionID),
		zap.String("container_id", resp.ID[:12]),
		zap.String("port", port))
	return proc, nil
}

func (d *DockerBackend) stopper(containerID string) func(context.Context) error {
	return func(ctx context.Context) error {
		timeout := 10
		stopOptions := container.StopOptions{
			Timeout: &timeout,
		}
		if err := d.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
			d.logger.Warn("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		}

		if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}
		return nil
	}
}

// EnsureImage pulls the browser image if it is not present locally.
func (d *DockerBackend) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerBackend) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls /json/version until the browser answers.
func (d *DockerBackend) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.probe(ctx, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("browser did not answer on %s: %w", url, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *DockerBackend) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var version struct {
		Browser string `json:"Browser"`
	}
	return json.NewDecoder(resp.Body).Decode(&version) == nil && version.Browser != ""
}
