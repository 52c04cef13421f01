package driver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// livenessMonitor watches executor heartbeats and reports peers whose
// transport has gone silent. It is the NATS stand-in for link-level disconnect
// notifications: an address that misses heartbeats past the timeout is
// considered disconnected and handed to the coordinator.
type livenessMonitor struct {
	logger   *zap.Logger
	timeout  time.Duration
	interval time.Duration
	expired  func(address string)

	mu       sync.Mutex
	lastSeen map[string]time.Time
	stats    map[string]model.ExecutorStats
	stop     chan struct{}
	stopOnce sync.Once
}

func newLivenessMonitor(timeout, interval time.Duration, expired func(address string), logger *zap.Logger) *livenessMonitor {
	return &livenessMonitor{
		logger:   logger.Named("liveness-monitor"),
		timeout:  timeout,
		interval: interval,
		expired:  expired,
		lastSeen: make(map[string]time.Time),
		stats:    make(map[string]model.ExecutorStats),
		stop:     make(chan struct{}),
	}
}

func (m *livenessMonitor) start() {
	go m.run()
}

func (m *livenessMonitor) shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// watch begins tracking an address, counting registration as the first
// heartbeat.
func (m *livenessMonitor) watch(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[address] = time.Now()
}

// touch records a heartbeat from the address.
func (m *livenessMonitor) touch(address string, stats *model.ExecutorStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lastSeen[address]; !ok {
		// Heartbeat from an address we never registered or already removed.
		return
	}
	m.lastSeen[address] = time.Now()
	if stats != nil {
		m.stats[address] = *stats
	}
}

// forget stops tracking an address after its executor is removed.
func (m *livenessMonitor) forget(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, address)
	delete(m.stats, address)
}

// latestStats returns the most recent resource snapshot for an address.
func (m *livenessMonitor) latestStats(address string) (model.ExecutorStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[address]
	return stats, ok
}

func (m *livenessMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep reports every address whose last heartbeat is older than the timeout.
// Reported addresses are dropped so each expiry fires exactly once; the
// coordinator removes the executor and calls forget.
func (m *livenessMonitor) sweep() {
	now := time.Now()

	m.mu.Lock()
	var dead []string
	for address, seen := range m.lastSeen {
		if now.Sub(seen) > m.timeout {
			dead = append(dead, address)
			delete(m.lastSeen, address)
			delete(m.stats, address)
		}
	}
	m.mu.Unlock()

	for _, address := range dead {
		m.logger.Warn("Executor heartbeat expired", zap.String("address", address))
		m.expired(address)
	}
}
