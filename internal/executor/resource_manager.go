package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// ResourceManager tracks the slots in use on this executor and samples host
// CPU/memory so heartbeats carry a current resource picture.
type ResourceManager struct {
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	running int
	stats   model.ExecutorStats
	stop    chan struct{}
	once    sync.Once
}

// NewResourceManager creates a resource manager sampling at the given
// interval.
func NewResourceManager(interval time.Duration, logger *zap.Logger) *ResourceManager {
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		interval: interval,
		stats:    model.ExecutorStats{CollectedAt: time.Now()},
		stop:     make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (rm *ResourceManager) Start(ctx context.Context) {
	go rm.collectLoop(ctx)
}

// Stop ends the sampling loop. Idempotent.
func (rm *ResourceManager) Stop() {
	rm.once.Do(func() { close(rm.stop) })
}

// TaskStarted records a task occupying a slot.
func (rm *ResourceManager) TaskStarted() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.running++
}

// TaskFinished releases the slot.
func (rm *ResourceManager) TaskFinished() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.running > 0 {
		rm.running--
	}
}

// RunningTasks returns the number of tasks currently executing.
func (rm *ResourceManager) RunningTasks() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.running
}

// Stats returns the latest resource snapshot.
func (rm *ResourceManager) Stats() *model.ExecutorStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	stats := rm.stats
	stats.RunningTasks = rm.running
	return &stats
}

func (rm *ResourceManager) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collect()
		}
	}
}

func (rm *ResourceManager) collect() {
	var cpuUsage float64
	if percents, err := cpu.Percent(0, false); err != nil {
		rm.logger.Debug("Failed to sample CPU usage", zap.Error(err))
	} else if len(percents) > 0 {
		cpuUsage = percents[0]
	}

	var memUsage float64
	if vm, err := mem.VirtualMemory(); err != nil {
		rm.logger.Debug("Failed to sample memory usage", zap.Error(err))
	} else {
		memUsage = vm.UsedPercent
	}

	rm.mu.Lock()
	rm.stats = model.ExecutorStats{
		CPUUsage:    cpuUsage,
		MemoryUsage: memUsage,
		CollectedAt: time.Now(),
	}
	rm.mu.Unlock()
}
