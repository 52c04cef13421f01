package driver

import "github.com/t77yq/grid-scheduler/internal/protocol"

// coordEvent is the sum type the coordinator loop consumes. Every inbound
// message, liveness event and local request becomes one of these and is
// handled strictly one at a time.
type coordEvent interface {
	coordEvent()
}

// registerEvent carries an executor registration plus the transport's reply
// path.
type registerEvent struct {
	msg   protocol.RegisterExecutor
	reply func(protocol.RegisterResponse)
}

// statusEvent carries a task progress report.
type statusEvent struct {
	msg protocol.StatusUpdate
}

// reviveEvent asks for offers to be regenerated for every executor.
type reviveEvent struct{}

// removeEvent is an explicit removal request from higher layers. done is
// closed once the removal has been processed.
type removeEvent struct {
	executorID string
	reason     string
	done       chan struct{}
}

// stopEvent requests a graceful coordinator shutdown. done is closed as the
// acknowledgement; the loop exits right after.
type stopEvent struct {
	done chan struct{}
}

// freeCoresEvent restores cores the cluster scheduler declined or never used.
type freeCoresEvent struct {
	cores map[string]int
}

// peerTerminatedEvent reports that a peer actor exited cleanly.
type peerTerminatedEvent struct {
	handle string
}

// peerDisconnectedEvent reports that a peer's transport went silent.
type peerDisconnectedEvent struct {
	address string
}

// peerShutdownEvent reports that a peer's transport announced shutdown.
type peerShutdownEvent struct {
	address string
}

func (registerEvent) coordEvent()         {}
func (statusEvent) coordEvent()           {}
func (reviveEvent) coordEvent()           {}
func (removeEvent) coordEvent()           {}
func (stopEvent) coordEvent()             {}
func (freeCoresEvent) coordEvent()        {}
func (peerTerminatedEvent) coordEvent()   {}
func (peerDisconnectedEvent) coordEvent() {}
func (peerShutdownEvent) coordEvent()     {}
