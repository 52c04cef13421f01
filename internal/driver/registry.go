package driver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// executorRecord describes one registered executor. Only the coordinator
// mutates records; the launch pump reads them under the registry's read lock.
type executorRecord struct {
	ExecutorID string
	Host       string
	Port       int
	HostPort   string
	Handle     string
	Address    string
	Cores      int
}

// registry is the in-memory index of connected executors. Four associative
// structures move together under one lock: by executor ID, by peer handle, by
// remote address, and the per-executor free-core counters. The handle and
// address indices exist because transport liveness events carry one or the
// other but never the executor ID.
//
// The aggregate core count is atomic so DefaultParallelism can read it from
// any goroutine without taking the lock.
type registry struct {
	mu         sync.RWMutex
	byID       map[string]*executorRecord
	byHandle   map[string]string
	byAddress  map[string]string
	freeCores  map[string]int
	totalCores atomic.Int32
}

func newRegistry() *registry {
	return &registry{
		byID:      make(map[string]*executorRecord),
		byHandle:  make(map[string]string),
		byAddress: make(map[string]string),
		freeCores: make(map[string]int),
	}
}

// parseHostPort validates the host:port an executor registers under. The host
// must be non-empty and the port numeric.
func parseHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidHostPort, hostPort)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidHostPort, hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidHostPort, hostPort)
	}
	return host, port, nil
}

// insert registers an executor in all four structures and adds its cores to
// the aggregate. Fails with ErrDuplicateExecutor if the ID is taken.
func (r *registry) insert(rec *executorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[rec.ExecutorID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExecutor, rec.ExecutorID)
	}

	r.byID[rec.ExecutorID] = rec
	r.byHandle[rec.Handle] = rec.ExecutorID
	r.byAddress[rec.Address] = rec.ExecutorID
	r.freeCores[rec.ExecutorID] = rec.Cores
	r.totalCores.Add(int32(rec.Cores))
	return nil
}

// lookup returns a copy of the record for the given executor ID.
func (r *registry) lookup(executorID string) (executorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[executorID]
	if !ok {
		return executorRecord{}, false
	}
	return *rec, true
}

// lookupByHandle resolves a peer handle to an executor ID.
func (r *registry) lookupByHandle(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHandle[handle]
	return id, ok
}

// lookupByAddress resolves a remote address to an executor ID.
func (r *registry) lookupByAddress(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAddress[address]
	return id, ok
}

// remove drops an executor from all four structures. The aggregate loses the
// executor's current free cores, not its registered total: cores out on tasks
// never return to the pool once their executor is gone.
func (r *registry) remove(executorID string) (executorRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[executorID]
	if !ok {
		return executorRecord{}, false
	}

	delete(r.byID, executorID)
	delete(r.byHandle, rec.Handle)
	delete(r.byAddress, rec.Address)
	r.totalCores.Add(int32(-r.freeCores[executorID]))
	delete(r.freeCores, executorID)
	return *rec, true
}

// adjustFree changes the free-core counter for an executor. Returns false if
// the executor is not registered.
func (r *registry) adjustFree(executorID string, delta int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[executorID]; !ok {
		return false
	}
	r.freeCores[executorID] += delta
	return true
}

// takeAllFree zeroes an executor's free cores and returns the previous value.
// From this moment the cores are reserved pending a scheduler decision.
func (r *registry) takeAllFree(executorID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[executorID]; !ok {
		return 0, false
	}
	cores := r.freeCores[executorID]
	r.freeCores[executorID] = 0
	return cores, true
}

// snapshotAll zeroes every executor's free cores under one lock acquisition
// and returns one offer per executor, zero-core entries included. No two
// snapshot rounds can hand out the same core.
func (r *registry) snapshotAll() []model.WorkerOffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	offers := make([]model.WorkerOffer, 0, len(r.byID))
	for id, rec := range r.byID {
		offers = append(offers, model.WorkerOffer{
			ExecutorID: id,
			HostPort:   rec.HostPort,
			Cores:      r.freeCores[id],
		})
		r.freeCores[id] = 0
	}
	return offers
}

// total returns the aggregate core count. Lock-free.
func (r *registry) total() int32 {
	return r.totalCores.Load()
}

// size returns the number of registered executors.
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
