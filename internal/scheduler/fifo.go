package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// FIFOScheduler is a minimal cluster scheduler: tasks launch in submission
// order, one core each, onto whatever executor offers a slot first. Cores it
// cannot use are returned to the backend immediately. It exists to close the
// loop for the driver binary and the end-to-end tests; it applies no placement
// policy beyond arrival order.
type FIFOScheduler struct {
	logger  *zap.Logger
	backend Backend

	mu      sync.Mutex
	nextID  int64
	pending []*model.TaskDescription
	running map[int64]*model.TaskDescription
	results map[int64]model.TaskState
	done    map[int64]chan struct{}
}

// NewFIFOScheduler creates a FIFO scheduler. Attach the backend before any
// task is submitted; the backend's constructor needs the scheduler first.
func NewFIFOScheduler(logger *zap.Logger) *FIFOScheduler {
	return &FIFOScheduler{
		logger:  logger.Named("fifo-scheduler"),
		nextID:  1,
		running: make(map[int64]*model.TaskDescription),
		results: make(map[int64]model.TaskState),
		done:    make(map[int64]chan struct{}),
	}
}

// Attach binds the scheduler to the backend it drives.
func (s *FIFOScheduler) Attach(backend Backend) {
	s.backend = backend
}

// Submit queues a task and wakes the backend. Returns the assigned task ID.
func (s *FIFOScheduler) Submit(name string, payload []byte) int64 {
	s.mu.Lock()
	task := &model.TaskDescription{
		TaskID:  s.nextID,
		Name:    name,
		Payload: payload,
	}
	s.nextID++
	s.pending = append(s.pending, task)
	s.mu.Unlock()

	s.backend.ReviveOffers()
	return task.TaskID
}

// StatusUpdate records task progress and clears finished tasks.
func (s *FIFOScheduler) StatusUpdate(taskID int64, state model.TaskState, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("Task status",
		zap.Int64("task_id", taskID),
		zap.String("state", string(state)))

	if !state.IsFinished() {
		return
	}

	delete(s.running, taskID)
	s.results[taskID] = state
	if ch, ok := s.done[taskID]; ok {
		close(ch)
		delete(s.done, taskID)
	}
}

// ResourceOffer handles a single-executor offer.
func (s *FIFOScheduler) ResourceOffer(offer model.WorkerOffer) {
	s.ResourceOffers([]model.WorkerOffer{offer})
}

// ResourceOffers launches pending tasks onto the offered cores in FIFO order
// and hands unused cores back.
func (s *FIFOScheduler) ResourceOffers(offers []model.WorkerOffer) {
	s.mu.Lock()

	var launches []*model.TaskDescription
	declined := make(map[string]int)

	for _, offer := range offers {
		used := 0
		for used < offer.Cores && len(s.pending) > 0 {
			task := s.pending[0]
			s.pending = s.pending[1:]
			task.ExecutorID = offer.ExecutorID
			s.running[task.TaskID] = task
			launches = append(launches, task)
			used++
		}
		if rest := offer.Cores - used; rest > 0 {
			declined[offer.ExecutorID] += rest
		}
	}
	s.mu.Unlock()

	for _, task := range launches {
		s.backend.LaunchTask(task)
	}
	if len(declined) > 0 {
		s.backend.FreeCores(declined)
	}
}

// ExecutorLost requeues every task that was running on the lost executor.
func (s *FIFOScheduler) ExecutorLost(executorID string, reason ExecutorLossReason) {
	s.mu.Lock()

	var requeued int
	for id, task := range s.running {
		if task.ExecutorID != executorID {
			continue
		}
		delete(s.running, id)
		task.ExecutorID = ""
		s.pending = append(s.pending, task)
		requeued++
	}
	s.mu.Unlock()

	s.logger.Warn("Executor lost",
		zap.String("executor_id", executorID),
		zap.String("reason", reason.Message()),
		zap.Int("requeued_tasks", requeued))

	if requeued > 0 {
		s.backend.ReviveOffers()
	}
}

// Wait returns a channel closed when the task reaches a terminal state.
func (s *FIFOScheduler) Wait(taskID int64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	if _, ok := s.results[taskID]; ok {
		close(ch)
		return ch
	}
	s.done[taskID] = ch
	return ch
}

// Result returns the terminal state of a task, if it has one.
func (s *FIFOScheduler) Result(taskID int64) (model.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.results[taskID]
	return state, ok
}

// PendingTasks returns the number of tasks waiting for a slot.
func (s *FIFOScheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
