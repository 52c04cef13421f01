package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
	"github.com/t77yq/grid-scheduler/internal/storage"
)

const registerTimeout = 10 * time.Second

// TaskHandler executes one kind of task payload.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.TaskDescription) ([]byte, error)
}

// Config defines an executor instance.
type Config struct {
	ID                string
	HostPort          string
	Cores             int
	HeartbeatInterval time.Duration
	HistoryPath       string // empty disables task history
}

// Executor is the remote worker peer of the scheduler backend. It registers
// its cores with the driver, receives launch commands, runs them through the
// registered handlers and reports status back.
type Executor struct {
	logger    *zap.Logger
	nc        *nats.Conn
	cfg       Config
	handle    string
	address   string
	handlers  map[string]TaskHandler
	resources *ResourceManager
	history   storage.TaskRunStore

	// properties adopted from the driver at registration
	props map[string]string

	launchSub *nats.Subscription
	stop      chan struct{}
	stopOnce  sync.Once
	tasks     sync.WaitGroup
}

// NewExecutor creates an executor. Handlers must be registered before Start.
func NewExecutor(nc *nats.Conn, cfg Config, logger *zap.Logger) (*Executor, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("executor %s: cores must be positive", cfg.ID)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	e := &Executor{
		logger:    logger.Named("executor").With(zap.String("executor_id", cfg.ID)),
		nc:        nc,
		cfg:       cfg,
		handle:    uuid.New().String(),
		address:   fmt.Sprintf("grid://%s", cfg.HostPort),
		handlers:  make(map[string]TaskHandler),
		resources: NewResourceManager(cfg.HeartbeatInterval, logger),
		stop:      make(chan struct{}),
	}

	if cfg.HistoryPath != "" {
		history, err := storage.NewSQLiteTaskRunStore(logger, cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open task history: %w", err)
		}
		e.history = history
	}

	return e, nil
}

// RegisterHandler registers a task handler under a task name.
func (e *Executor) RegisterHandler(name string, handler TaskHandler) {
	e.handlers[name] = handler
}

// Properties returns the configuration snapshot adopted from the driver.
func (e *Executor) Properties() map[string]string {
	return e.props
}

// Handle returns this executor's peer session identity.
func (e *Executor) Handle() string {
	return e.handle
}

// History returns the task-run store, or nil when history is disabled.
func (e *Executor) History() storage.TaskRunStore {
	return e.history
}

// Start registers with the driver, adopts the returned properties and begins
// serving launch commands and heartbeats.
func (e *Executor) Start(ctx context.Context) error {
	req := protocol.RegisterExecutor{
		ExecutorID: e.cfg.ID,
		HostPort:   e.cfg.HostPort,
		Cores:      e.cfg.Cores,
		Handle:     e.handle,
		Address:    e.address,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	msg, err := e.nc.Request(protocol.RegisterSubject, data, registerTimeout)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}

	var resp protocol.RegisterResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal registration response: %w", err)
	}
	if !resp.Registered {
		return fmt.Errorf("driver rejected registration: %s", resp.Reason)
	}
	e.props = resp.Properties

	sub, err := e.nc.Subscribe(protocol.LaunchSubject(e.cfg.ID), e.handleLaunch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to launch subject: %w", err)
	}
	e.launchSub = sub

	e.resources.Start(ctx)
	go e.heartbeatLoop()

	e.logger.Info("Executor registered",
		zap.String("host_port", e.cfg.HostPort),
		zap.Int("cores", e.cfg.Cores))
	return nil
}

// Drain announces that this executor's transport is shutting down. Call on
// SIGTERM before Stop so the driver reclaims the cores without waiting for
// the heartbeat timeout.
func (e *Executor) Drain() {
	data, err := json.Marshal(protocol.Draining{Address: e.address})
	if err != nil {
		return
	}
	if err := e.nc.Publish(protocol.DrainingSubject, data); err != nil {
		e.logger.Warn("Failed to publish draining notice", zap.Error(err))
	}
	e.nc.Flush()
}

// Stop sends a goodbye to the driver, waits for running tasks and tears the
// executor down.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)

		data, err := json.Marshal(protocol.Goodbye{Handle: e.handle, Reason: "executor stopped"})
		if err == nil {
			if err := e.nc.Publish(protocol.GoodbyeSubject, data); err != nil {
				e.logger.Warn("Failed to publish goodbye", zap.Error(err))
			}
			e.nc.Flush()
		}

		if e.launchSub != nil {
			e.launchSub.Unsubscribe()
		}
		e.tasks.Wait()
		e.resources.Stop()
		if e.history != nil {
			e.history.Close()
		}

		e.logger.Info("Executor stopped")
	})
}

func (e *Executor) handleLaunch(msg *nats.Msg) {
	var launch protocol.LaunchTask
	if err := json.Unmarshal(msg.Data, &launch); err != nil {
		e.logger.Error("Failed to unmarshal launch command", zap.Error(err))
		return
	}

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.runTask(&launch.Task)
	}()
}

func (e *Executor) runTask(task *model.TaskDescription) {
	e.resources.TaskStarted()
	defer e.resources.TaskFinished()

	e.reportStatus(task.TaskID, model.TaskStateRunning, nil)

	runID := uuid.New().String()
	startedAt := time.Now()
	if e.history != nil {
		run := &storage.TaskRun{
			ID:         runID,
			TaskID:     task.TaskID,
			ExecutorID: e.cfg.ID,
			Name:       task.Name,
			State:      model.TaskStateRunning,
			StartedAt:  startedAt,
		}
		if err := e.history.Record(context.Background(), run); err != nil {
			e.logger.Error("Failed to record task run",
				zap.Int64("task_id", task.TaskID),
				zap.Error(err))
		}
	}

	state := model.TaskStateFinished
	var data []byte
	var taskErr string

	handler, ok := e.handlers[task.Name]
	if !ok {
		state = model.TaskStateFailed
		taskErr = fmt.Sprintf("no handler for task %q", task.Name)
		data = []byte(taskErr)
	} else {
		result, err := handler.Execute(context.Background(), task)
		if err != nil {
			state = model.TaskStateFailed
			taskErr = err.Error()
			data = []byte(taskErr)
		} else {
			data = result
		}
	}

	if e.history != nil {
		completedAt := time.Now()
		run := &storage.TaskRun{
			ID:          runID,
			State:       state,
			Result:      data,
			Error:       taskErr,
			CompletedAt: &completedAt,
		}
		if err := e.history.Update(context.Background(), run); err != nil {
			e.logger.Error("Failed to update task run",
				zap.Int64("task_id", task.TaskID),
				zap.Error(err))
		}
	}

	e.reportStatus(task.TaskID, state, data)

	e.logger.Info("Task finished",
		zap.Int64("task_id", task.TaskID),
		zap.String("name", task.Name),
		zap.String("state", string(state)),
		zap.Duration("duration", time.Since(startedAt)))
}

func (e *Executor) reportStatus(taskID int64, state model.TaskState, data []byte) {
	update := protocol.StatusUpdate{
		ExecutorID: e.cfg.ID,
		TaskID:     taskID,
		State:      state,
		Data:       data,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		e.logger.Error("Failed to marshal status update", zap.Error(err))
		return
	}
	if err := e.nc.Publish(protocol.StatusSubject, payload); err != nil {
		e.logger.Error("Failed to publish status update",
			zap.Int64("task_id", taskID),
			zap.Error(err))
	}
}

func (e *Executor) heartbeatLoop() {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{
				ExecutorID: e.cfg.ID,
				Handle:     e.handle,
				Address:    e.address,
				Stats:      e.resources.Stats(),
				SentAt:     time.Now(),
			}
			data, err := json.Marshal(hb)
			if err != nil {
				e.logger.Error("Failed to marshal heartbeat", zap.Error(err))
				continue
			}
			if err := e.nc.Publish(protocol.HeartbeatSubject, data); err != nil {
				e.logger.Error("Failed to publish heartbeat", zap.Error(err))
			}
		}
	}
}
