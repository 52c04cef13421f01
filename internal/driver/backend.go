package driver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/config"
	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
	"github.com/t77yq/grid-scheduler/internal/scheduler"
)

const inboundSubjects = "grid.driver.>"

// Backend is the standalone scheduler backend: it registers executors, tracks
// their free cores, feeds resource offers to the cluster scheduler and ships
// launch commands out. It makes no placement decisions of its own and holds
// no state beyond the in-memory registry.
type Backend struct {
	logger *zap.Logger
	nc     *nats.Conn
	sched  scheduler.TaskScheduler
	cfg    *config.Config
	props  map[string]string

	reg     *registry
	inbox   *queue[coordEvent]
	pump    *launchPump
	monitor *livenessMonitor
	revive  *cron.Cron
	sub     *nats.Subscription

	mu       sync.Mutex
	started  bool
	stopped  bool
	loopDone chan struct{}
}

// NewBackend wires a backend to a NATS connection and a cluster scheduler.
// Call Start before use; Start must be called exactly once.
func NewBackend(nc *nats.Conn, sched scheduler.TaskScheduler, cfg *config.Config, logger *zap.Logger) *Backend {
	b := &Backend{
		logger:   logger.Named("scheduler-backend"),
		nc:       nc,
		sched:    sched,
		cfg:      cfg,
		reg:      newRegistry(),
		inbox:    newQueue[coordEvent](),
		loopDone: make(chan struct{}),
	}

	var lost func(taskID int64)
	if cfg.SynthesizeLost() {
		lost = func(taskID int64) {
			b.inbox.push(statusEvent{msg: protocol.StatusUpdate{
				TaskID: taskID,
				State:  model.TaskStateLost,
			}})
		}
	}
	b.pump = newLaunchPump(nc, b.reg, lost, b.logger)

	b.monitor = newLivenessMonitor(
		cfg.HeartbeatTimeout(),
		cfg.HeartbeatInterval(),
		func(address string) {
			b.inbox.push(peerDisconnectedEvent{address: address})
		},
		b.logger,
	)

	return b
}

// Start snapshots the forwarded properties, subscribes the control-plane
// subjects and starts the coordinator, liveness monitor, launch pump and
// offer-revival timer.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	b.props = b.cfg.Properties()

	sub, err := b.nc.Subscribe(inboundSubjects, b.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", inboundSubjects, err)
	}
	b.sub = sub

	go b.runCoordinator()
	b.pump.start()
	b.monitor.start()

	if interval := b.cfg.ReviveInterval(); interval > 0 {
		b.revive = cron.New()
		_, err := b.revive.AddFunc(fmt.Sprintf("@every %s", interval), b.ReviveOffers)
		if err != nil {
			sub.Unsubscribe()
			return fmt.Errorf("failed to schedule offer revival: %w", err)
		}
		b.revive.Start()
	}

	b.started = true
	b.logger.Info("Scheduler backend started",
		zap.Duration("revive_interval", b.cfg.ReviveInterval()),
		zap.Duration("heartbeat_timeout", b.cfg.HeartbeatTimeout()))
	return nil
}

// dispatch converts an inbound NATS message into a coordinator event. A
// single wildcard subscription keeps per-executor send order intact. Malformed
// payloads are logged and dropped; they never close the channel.
func (b *Backend) dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.RegisterSubject:
		var req protocol.RegisterExecutor
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.logger.Error("Failed to unmarshal registration", zap.Error(err))
			return
		}
		b.inbox.push(registerEvent{
			msg: req,
			reply: func(resp protocol.RegisterResponse) {
				data, err := json.Marshal(resp)
				if err != nil {
					b.logger.Error("Failed to marshal registration response", zap.Error(err))
					return
				}
				if err := msg.Respond(data); err != nil {
					b.logger.Error("Failed to send registration response",
						zap.String("executor_id", req.ExecutorID),
						zap.Error(err))
				}
			},
		})

	case protocol.StatusSubject:
		var update protocol.StatusUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			b.logger.Error("Failed to unmarshal status update", zap.Error(err))
			return
		}
		b.inbox.push(statusEvent{msg: update})

	case protocol.HeartbeatSubject:
		var hb protocol.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			b.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
			return
		}
		b.monitor.touch(hb.Address, hb.Stats)

	case protocol.GoodbyeSubject:
		var bye protocol.Goodbye
		if err := json.Unmarshal(msg.Data, &bye); err != nil {
			b.logger.Error("Failed to unmarshal goodbye", zap.Error(err))
			return
		}
		b.inbox.push(peerTerminatedEvent{handle: bye.Handle})

	case protocol.DrainingSubject:
		var d protocol.Draining
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Error("Failed to unmarshal draining notice", zap.Error(err))
			return
		}
		b.inbox.push(peerShutdownEvent{address: d.Address})

	default:
		b.logger.Warn("Message on unexpected subject", zap.String("subject", msg.Subject))
	}
}

// Stop requests a graceful coordinator shutdown and waits up to the ask
// timeout for the acknowledgement. On timeout the stop fails loudly and the
// backend is left as-is.
func (b *Backend) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.mu.Unlock()

	done := make(chan struct{})
	if !b.inbox.push(stopEvent{done: done}) {
		return ErrStopped
	}

	select {
	case <-done:
	case <-time.After(b.cfg.AskTimeout()):
		return fmt.Errorf("%w: stop", ErrAskTimeout)
	}

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	if b.revive != nil {
		b.revive.Stop()
	}
	b.monitor.shutdown()
	if err := b.sub.Unsubscribe(); err != nil {
		b.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	b.pump.shutdown()
	b.inbox.close()
	<-b.loopDone

	b.logger.Info("Scheduler backend stopped")
	return nil
}

// LaunchTask hands a task to the launch pump. Non-blocking; safe to call from
// inside a scheduler critical section.
func (b *Backend) LaunchTask(task *model.TaskDescription) {
	if !b.pump.enqueue(task) {
		b.logger.Warn("Launch after shutdown dropped",
			zap.Int64("task_id", task.TaskID))
	}
}

// ReviveOffers asks the coordinator to regenerate offers for every registered
// executor, including those with no free cores. Non-blocking.
func (b *Backend) ReviveOffers() {
	b.inbox.push(reviveEvent{})
}

// FreeCores restores cores the cluster scheduler declined or never launched
// on. Non-blocking.
func (b *Backend) FreeCores(cores map[string]int) {
	if len(cores) == 0 {
		return
	}
	b.inbox.push(freeCoresEvent{cores: cores})
}

// RemoveExecutor removes an executor on behalf of higher layers and waits up
// to the ask timeout for the coordinator to process it.
func (b *Backend) RemoveExecutor(executorID, reason string) error {
	done := make(chan struct{})
	if !b.inbox.push(removeEvent{executorID: executorID, reason: reason, done: done}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-time.After(b.cfg.AskTimeout()):
		return fmt.Errorf("%w: remove executor %s", ErrAskTimeout, executorID)
	}
}

// DefaultParallelism is the configured override, or the aggregate core count
// with a floor of 2.
func (b *Backend) DefaultParallelism() int {
	if p, ok := b.cfg.DefaultParallelism(); ok {
		return p
	}
	if total := int(b.reg.total()); total > 2 {
		return total
	}
	return 2
}

// TotalCores is the aggregate core count over registered executors. Lock-free.
func (b *Backend) TotalCores() int32 {
	return b.reg.total()
}

// ExecutorCount returns the number of registered executors.
func (b *Backend) ExecutorCount() int {
	return b.reg.size()
}

// ExecutorStats returns the latest heartbeat stats for an executor, if any.
func (b *Backend) ExecutorStats(executorID string) (model.ExecutorStats, bool) {
	rec, ok := b.reg.lookup(executorID)
	if !ok {
		return model.ExecutorStats{}, false
	}
	return b.monitor.latestStats(rec.Address)
}
