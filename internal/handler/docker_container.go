package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// DockerContainerPayload describes a task run as a one-shot container.
type DockerContainerPayload struct {
	Image  string   `json:"image"`
	Cmd    []string `json:"cmd,omitempty"`
	Env    []string `json:"env,omitempty"`
	Memory int64    `json:"memory,omitempty"` // bytes
	CPU    float64  `json:"cpu,omitempty"`    // cores
}

// DockerContainerHandler runs task payloads as docker containers and returns
// their logs.
type DockerContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
}

// NewDockerContainerHandler creates a docker handler using the environment's
// docker daemon settings.
func NewDockerContainerHandler(logger *zap.Logger) (*DockerContainerHandler, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerContainerHandler{
		logger: logger.Named("docker-handler"),
		docker: docker,
	}, nil
}

// Execute pulls the image, runs the container to completion and returns its
// combined stdout/stderr.
func (h *DockerContainerHandler) Execute(ctx context.Context, task *model.TaskDescription) ([]byte, error) {
	payload, err := decodePayload[DockerContainerPayload](task)
	if err != nil {
		return nil, err
	}
	if payload.Image == "" {
		return nil, fmt.Errorf("task %d: empty image", task.TaskID)
	}

	reader, err := h.docker.ImagePull(ctx, payload.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", payload.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	containerConfig := container.Config{
		Image: payload.Image,
		Cmd:   payload.Cmd,
		Env:   payload.Env,
	}
	hostConfig := container.HostConfig{
		Resources: container.Resources{
			Memory:   payload.Memory,
			NanoCPUs: int64(payload.CPU * math.Pow(10, 9)),
		},
	}

	created, err := h.docker.ContainerCreate(ctx, &containerConfig, &hostConfig, nil, nil,
		fmt.Sprintf("grid-task-%d", task.TaskID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer h.docker.ContainerRemove(context.Background(), created.ID,
		container.RemoveOptions{RemoveVolumes: true, Force: true})

	if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h.logger.Info("Container started",
		zap.Int64("task_id", task.TaskID),
		zap.String("image", payload.Image),
		zap.String("container_id", created.ID))

	statusCh, errCh := h.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed to wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	out, err := h.docker.ContainerLogs(ctx, created.ID,
		container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer out.Close()

	var logs bytes.Buffer
	if _, err := stdcopy.StdCopy(&logs, &logs, out); err != nil {
		return nil, fmt.Errorf("failed to copy container logs: %w", err)
	}

	if exitCode != 0 {
		return logs.Bytes(), fmt.Errorf("container exited with code %d", exitCode)
	}
	return logs.Bytes(), nil
}
