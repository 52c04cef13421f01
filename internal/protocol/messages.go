package protocol

import (
	"time"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// RegisterExecutor announces a new executor and the compute slots it brings.
// Handle is the peer's session identity (unique per connection); Address is
// the remote transport address the executor is reachable under.
type RegisterExecutor struct {
	ExecutorID string `json:"executor_id"`
	HostPort   string `json:"host_port"`
	Cores      int    `json:"cores"`
	Handle     string `json:"handle"`
	Address    string `json:"address"`
}

// RegisterResponse answers a registration request. Registered=true carries the
// driver's property snapshot; Registered=false carries the rejection reason.
type RegisterResponse struct {
	Registered bool              `json:"registered"`
	Reason     string            `json:"reason,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// StatusUpdate is a progress report for a previously-launched task. Data is
// opaque bytes surfaced to the cluster scheduler.
type StatusUpdate struct {
	ExecutorID string          `json:"executor_id"`
	TaskID     int64           `json:"task_id"`
	State      model.TaskState `json:"state"`
	Data       []byte          `json:"data,omitempty"`
}

// LaunchTask is the fire-and-forget launch command sent to an executor.
type LaunchTask struct {
	Task model.TaskDescription `json:"task"`
}

// Heartbeat keeps an executor's registration alive and piggybacks its
// resource stats.
type Heartbeat struct {
	ExecutorID string               `json:"executor_id"`
	Handle     string               `json:"handle"`
	Address    string               `json:"address"`
	Stats      *model.ExecutorStats `json:"stats,omitempty"`
	SentAt     time.Time            `json:"sent_at"`
}

// Goodbye signals that the executor process is exiting cleanly.
type Goodbye struct {
	Handle string `json:"handle"`
	Reason string `json:"reason,omitempty"`
}

// Draining signals that the executor's transport is shutting down and no
// further messages from its address should be expected.
type Draining struct {
	Address string `json:"address"`
}
