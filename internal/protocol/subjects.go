package protocol

import "fmt"

// NATS subjects of the driver control plane. Everything the backend and the
// executors exchange travels on these.
const (
	RegisterSubject  = "grid.driver.register"
	StatusSubject    = "grid.driver.status"
	HeartbeatSubject = "grid.driver.heartbeat"
	GoodbyeSubject   = "grid.driver.goodbye"
	DrainingSubject  = "grid.driver.draining"

	launchSubjectPrefix = "grid.executor.launch."
)

// LaunchSubject returns the per-executor subject launch commands are sent on.
func LaunchSubject(executorID string) string {
	return fmt.Sprintf("%s%s", launchSubjectPrefix, executorID)
}
