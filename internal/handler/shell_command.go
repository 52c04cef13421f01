package handler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// ShellCommandPayload describes a shell command task.
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// ShellCommandHandler runs task payloads as local shell commands.
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a shell command handler.
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{logger: logger.Named("shell-handler")}
}

// Execute runs the command and returns its combined output.
func (h *ShellCommandHandler) Execute(ctx context.Context, task *model.TaskDescription) ([]byte, error) {
	payload, err := decodePayload[ShellCommandPayload](task)
	if err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("task %d: empty command", task.TaskID)
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	for k, v := range payload.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	h.logger.Info("Executing shell command",
		zap.Int64("task_id", task.TaskID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("command timed out after %s", payload.Timeout)
		}
		return output, fmt.Errorf("command failed: %s", strings.TrimSpace(string(output)))
	}
	return output, nil
}
