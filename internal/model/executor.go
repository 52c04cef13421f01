package model

import "time"

// ExecutorStats carries the resource snapshot an executor reports with each
// heartbeat.
type ExecutorStats struct {
	RunningTasks int       `json:"running_tasks"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	CollectedAt  time.Time `json:"collected_at"`
}
