// Package container runs agent workers as Docker containers, one per meeting.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/backend"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	containerPrefix = "agentroom-agent-"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 256

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond

	// Cleanup of a canceled worker outlives the canceled context by this much.
	cleanupTimeout = 30 * time.Second
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// dockerAPI is the subset of the Docker client the runner uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerRunner implements backend.Runner with one container per meeting.
type DockerRunner struct {
	cli     dockerAPI
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
	logger  *slog.Logger
}

// NewDockerRunner creates a Docker-backed agent runner.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerRunner(image, runtime string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	r := newDockerRunner(cli, image, runtime, logger)
	if runtime != "" {
		r.logger.Info("Docker client initialized", "runtime", runtime, "image", image)
	} else {
		r.logger.Info("Docker client initialized", "runtime", "default", "image", image)
	}
	return r, nil
}

func newDockerRunner(cli dockerAPI, image, runtime string, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{cli: cli, image: image, runtime: runtime, logger: logger}
}

// ContainerName returns the container name used for a meeting.
func ContainerName(meetingID string) string {
	return containerPrefix + unsafeNameChars.ReplaceAllString(meetingID, "_")
}

// Start creates and starts the meeting's container, then waits for it to exit.
// When ctx is canceled the container is stopped and removed.
func (m *DockerRunner) Start(ctx context.Context, spec backend.AgentSpec) error {
	name := ContainerName(spec.MeetingID)

	env := spec.Env()
	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envVars)

	config := &container.Config{
		Image:  m.image,
		Env:    envVars,
		Labels: map[string]string{"agentroom.meeting_id": spec.MeetingID},
	}
	hostConfig := &container.HostConfig{
		Runtime: m.runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	id, err := m.create(ctx, name, config, hostConfig)
	if err != nil {
		return err
	}

	if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		m.cleanup(ctx, id)
		return fmt.Errorf("start container %s: %w", id, err)
	}
	m.logger.Info("Agent container started", "container_id", id, "meeting_id", spec.MeetingID)
	spec.Started(id)

	statusCh, errCh := m.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-statusCh:
		m.cleanup(ctx, id)
		if res.Error != nil && res.Error.Message != "" {
			return fmt.Errorf("agent container %s failed: %s", id, res.Error.Message)
		}
		if res.StatusCode != 0 {
			return fmt.Errorf("agent container %s exited with status %d", id, res.StatusCode)
		}
		return nil
	case err := <-errCh:
		m.cleanup(ctx, id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait container %s: %w", id, err)
	case <-ctx.Done():
		m.cleanup(ctx, id)
		return ctx.Err()
	}
}

// create creates the named container, recycling a stale container that holds
// the name.
func (m *DockerRunner) create(ctx context.Context, name string, config *container.Config, hostConfig *container.HostConfig) (string, error) {
	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			return resp.ID, nil
		}

		errStr := strings.ToLower(createErr.Error())
		if !errdefs.IsConflict(createErr) && !strings.Contains(errStr, "is already in use") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A replaced worker's container can hold the name briefly.
		m.logger.Warn("Container name conflict during create, retrying",
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if err := m.remove(ctx, name); err != nil {
			m.logger.Warn("Failed to remove conflicting container before retry", "container_name", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	return "", fmt.Errorf("create container after retries: %w", createErr)
}

// cleanup removes a container on a context that survives ctx cancellation.
func (m *DockerRunner) cleanup(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.remove(cctx, id); err != nil {
		m.logger.Warn("Failed to remove agent container", "container_id", id, "error", err)
	}
}

// Stop stops and removes the meeting's container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerRunner) Stop(ctx context.Context, meetingID string) error {
	return m.remove(ctx, ContainerName(meetingID))
}

func (m *DockerRunner) remove(ctx context.Context, ref string) error {
	m.logger.Debug("Stopping container", "container", ref)

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container", ref)
			return nil
		}
		m.logger.Debug("Container stop returned error, continuing to remove", "container", ref, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			m.logger.Debug("Container removal already in progress", "container", ref)
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, container may still be removed", "container", ref, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", ref, err)
	}

	m.logger.Info("Container stopped and removed", "container", ref)
	return nil
}

// Close closes the Docker client.
func (m *DockerRunner) Close() error {
	return m.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
