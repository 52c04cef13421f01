package scheduler

import (
	"fmt"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// TaskScheduler is the cluster scheduler the driver backend reports into. All
// four upcalls are invoked from the coordinator goroutine; implementations
// must not call back into the backend synchronously from them.
type TaskScheduler interface {
	// StatusUpdate delivers a task progress report.
	StatusUpdate(taskID int64, state model.TaskState, data []byte)

	// ResourceOffer advertises newly-freed cores on a single executor.
	ResourceOffer(offer model.WorkerOffer)

	// ResourceOffers advertises the free cores of every registered executor.
	ResourceOffers(offers []model.WorkerOffer)

	// ExecutorLost reports that an executor is gone and its tasks with it.
	ExecutorLost(executorID string, reason ExecutorLossReason)
}

// Backend is the slice of the driver backend a cluster scheduler drives.
type Backend interface {
	// LaunchTask enqueues a launch command. Non-blocking.
	LaunchTask(task *model.TaskDescription)

	// ReviveOffers asks the backend to re-offer all free cores. Non-blocking.
	ReviveOffers()

	// FreeCores returns cores the scheduler declined or will not use.
	// Non-blocking.
	FreeCores(cores map[string]int)
}

// ExecutorLossReason explains why an executor disappeared.
type ExecutorLossReason interface {
	Message() string
}

// WorkerLost is the loss reason for a worker that terminated, disconnected or
// was explicitly removed.
type WorkerLost struct {
	Msg string
}

func (r WorkerLost) Message() string { return r.Msg }

// ExecutorExited is the loss reason for an executor process that exited with
// a known code.
type ExecutorExited struct {
	Code int
}

func (r ExecutorExited) Message() string {
	return fmt.Sprintf("executor exited with code %d", r.Code)
}
