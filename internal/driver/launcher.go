package driver

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
)

// launchPump decouples the cluster scheduler's synchronous LaunchTask call
// from the network send. Tasks go onto an unbounded FIFO; a single worker
// drains it, resolves the target executor in the registry and publishes the
// launch command. The scheduler may call LaunchTask from inside a critical
// section without coupling its latency to per-peer RPC latency.
type launchPump struct {
	logger *zap.Logger
	nc     *nats.Conn
	reg    *registry
	tasks  *queue[*model.TaskDescription]

	// lost, when non-nil, reports a task whose launch send failed so the
	// cluster scheduler sees it as lost instead of it silently vanishing.
	lost func(taskID int64)

	done chan struct{}
}

func newLaunchPump(nc *nats.Conn, reg *registry, lost func(taskID int64), logger *zap.Logger) *launchPump {
	return &launchPump{
		logger: logger.Named("launch-pump"),
		nc:     nc,
		reg:    reg,
		tasks:  newQueue[*model.TaskDescription](),
		lost:   lost,
		done:   make(chan struct{}),
	}
}

func (p *launchPump) start() {
	go p.run()
}

// enqueue adds a task to the pump. Non-blocking; returns false once the pump
// is shut down.
func (p *launchPump) enqueue(task *model.TaskDescription) bool {
	return p.tasks.push(task)
}

// shutdown stops accepting tasks. The worker drains what is already queued
// and exits; launches still in flight at process teardown may be lost.
func (p *launchPump) shutdown() {
	p.tasks.close()
	<-p.done
}

func (p *launchPump) run() {
	defer close(p.done)

	for {
		task, ok := p.tasks.pop()
		if !ok {
			return
		}
		if err := p.send(task); err != nil {
			// The task is not re-queued; the synthesized lost update (when
			// enabled) is the only trace it leaves.
			p.logger.Error("Failed to send launch command",
				zap.Int64("task_id", task.TaskID),
				zap.String("executor_id", task.ExecutorID),
				zap.Error(err))
			if p.lost != nil {
				p.lost(task.TaskID)
			}
		}
	}
}

func (p *launchPump) send(task *model.TaskDescription) error {
	rec, ok := p.reg.lookup(task.ExecutorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutorNotFound, task.ExecutorID)
	}

	data, err := json.Marshal(protocol.LaunchTask{Task: *task})
	if err != nil {
		return fmt.Errorf("failed to marshal launch command: %w", err)
	}

	if err := p.nc.Publish(protocol.LaunchSubject(rec.ExecutorID), data); err != nil {
		return fmt.Errorf("failed to publish launch command: %w", err)
	}

	p.logger.Debug("Launch command sent",
		zap.Int64("task_id", task.TaskID),
		zap.String("executor_id", task.ExecutorID))
	return nil
}
