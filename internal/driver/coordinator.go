package driver

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
	"github.com/t77yq/grid-scheduler/internal/scheduler"
)

// runCoordinator is the single consumer of the event inbox. Exactly one
// handler runs at any moment and handlers never suspend, so registry state
// needs no further synchronization beyond its own lock.
func (b *Backend) runCoordinator() {
	defer close(b.loopDone)

	for {
		ev, ok := b.inbox.pop()
		if !ok {
			return
		}
		if b.handleEvent(ev) {
			return
		}
	}
}

// handleEvent dispatches one event. A panicking handler is logged and the
// loop moves on; nothing may terminate the coordinator except a stop event.
func (b *Backend) handleEvent(ev coordEvent) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Coordinator handler panicked",
				zap.String("event", fmt.Sprintf("%T", ev)),
				zap.Any("panic", r))
		}
	}()

	switch ev := ev.(type) {
	case registerEvent:
		b.handleRegister(ev)
	case statusEvent:
		b.handleStatus(ev.msg)
	case reviveEvent:
		b.generateAllOffers()
	case removeEvent:
		b.removeExecutor(ev.executorID, ev.reason)
		close(ev.done)
	case stopEvent:
		close(ev.done)
		return true
	case freeCoresEvent:
		for id, delta := range ev.cores {
			if !b.reg.adjustFree(id, delta) {
				b.logger.Warn("Cores returned for unknown executor",
					zap.String("executor_id", id),
					zap.Int("cores", delta))
			}
		}
	case peerTerminatedEvent:
		if id, ok := b.reg.lookupByHandle(ev.handle); ok {
			b.removeExecutor(id, "peer terminated")
		}
	case peerDisconnectedEvent:
		if id, ok := b.reg.lookupByAddress(ev.address); ok {
			b.removeExecutor(id, "peer disconnected")
		}
	case peerShutdownEvent:
		if id, ok := b.reg.lookupByAddress(ev.address); ok {
			b.removeExecutor(id, "peer shutdown")
		}
	default:
		b.logger.Warn("Unexpected coordinator event",
			zap.String("type", fmt.Sprintf("%T", ev)))
	}
	return false
}

func (b *Backend) handleRegister(ev registerEvent) {
	msg := ev.msg

	host, port, err := parseHostPort(msg.HostPort)
	if err != nil {
		b.logger.Warn("Rejected executor registration",
			zap.String("executor_id", msg.ExecutorID),
			zap.Error(err))
		ev.reply(protocol.RegisterResponse{
			Registered: false,
			Reason:     fmt.Sprintf("Invalid host:port: %s", msg.HostPort),
		})
		return
	}

	rec := &executorRecord{
		ExecutorID: msg.ExecutorID,
		Host:       host,
		Port:       port,
		HostPort:   msg.HostPort,
		Handle:     msg.Handle,
		Address:    msg.Address,
		Cores:      msg.Cores,
	}

	if err := b.reg.insert(rec); err != nil {
		if errors.Is(err, ErrDuplicateExecutor) {
			ev.reply(protocol.RegisterResponse{
				Registered: false,
				Reason:     fmt.Sprintf("Duplicate executor ID: %s", msg.ExecutorID),
			})
			return
		}
		b.logger.Error("Failed to register executor",
			zap.String("executor_id", msg.ExecutorID),
			zap.Error(err))
		ev.reply(protocol.RegisterResponse{Registered: false, Reason: err.Error()})
		return
	}

	b.monitor.watch(msg.Address)

	b.logger.Info("Registered executor",
		zap.String("executor_id", msg.ExecutorID),
		zap.String("host_port", msg.HostPort),
		zap.Int("cores", msg.Cores),
		zap.Int32("total_cores", b.reg.total()))

	ev.reply(protocol.RegisterResponse{
		Registered: true,
		Properties: b.props,
	})

	b.generateAllOffers()
}

// handleStatus forwards every update to the cluster scheduler; the scheduler
// owns the task-to-executor map, so an unknown executor ID is not an error
// here. A terminal state frees exactly one core: accounting is per task, one
// core per task.
func (b *Backend) handleStatus(msg protocol.StatusUpdate) {
	b.sched.StatusUpdate(msg.TaskID, msg.State, msg.Data)

	if msg.State.IsFinished() {
		if b.reg.adjustFree(msg.ExecutorID, 1) {
			b.generateOffer(msg.ExecutorID)
		}
	}
}

// generateAllOffers snapshots-and-zeroes every executor's free cores and
// hands the batch to the cluster scheduler. Cores are reserved from the
// moment they appear in the offer list; declined ones come back via
// FreeCores.
func (b *Backend) generateAllOffers() {
	offers := b.reg.snapshotAll()
	b.sched.ResourceOffers(offers)
}

// generateOffer is the single-executor variant used after a task completes.
func (b *Backend) generateOffer(executorID string) {
	cores, ok := b.reg.takeAllFree(executorID)
	if !ok {
		return
	}
	rec, ok := b.reg.lookup(executorID)
	if !ok {
		return
	}
	b.sched.ResourceOffer(model.WorkerOffer{
		ExecutorID: executorID,
		HostPort:   rec.HostPort,
		Cores:      cores,
	})
}

// removeExecutor drops the executor and reports the loss exactly once.
// Idempotent: a liveness event may race with an explicit removal, and only
// the first one finds the record.
func (b *Backend) removeExecutor(executorID, reason string) {
	rec, ok := b.reg.remove(executorID)
	if !ok {
		return
	}

	b.monitor.forget(rec.Address)

	b.logger.Info("Removed executor",
		zap.String("executor_id", executorID),
		zap.String("reason", reason),
		zap.Int32("total_cores", b.reg.total()))

	b.sched.ExecutorLost(executorID, scheduler.WorkerLost{Msg: reason})
}
