package driver

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/grid-scheduler/internal/config"
	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
	"github.com/t77yq/grid-scheduler/internal/scheduler"
	"github.com/t77yq/grid-scheduler/internal/testutil"
)

type statusRecord struct {
	taskID int64
	state  model.TaskState
	data   []byte
}

type lossRecord struct {
	executorID string
	reason     string
}

// recordingScheduler captures every upcall the backend makes.
type recordingScheduler struct {
	mu       sync.Mutex
	statuses []statusRecord
	singles  []model.WorkerOffer
	batches  [][]model.WorkerOffer
	lost     []lossRecord
}

func (s *recordingScheduler) StatusUpdate(taskID int64, state model.TaskState, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusRecord{taskID: taskID, state: state, data: data})
}

func (s *recordingScheduler) ResourceOffer(offer model.WorkerOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, offer)
}

func (s *recordingScheduler) ResourceOffers(offers []model.WorkerOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, offers)
}

func (s *recordingScheduler) ExecutorLost(executorID string, reason scheduler.ExecutorLossReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, lossRecord{executorID: executorID, reason: reason.Message()})
}

func (s *recordingScheduler) lostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lost)
}

// offeredCores sums the cores offered for one executor across every batch and
// single offer.
func (s *recordingScheduler) offeredCores(executorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, offer := range s.singles {
		if offer.ExecutorID == executorID {
			total += offer.Cores
		}
	}
	for _, batch := range s.batches {
		for _, offer := range batch {
			if offer.ExecutorID == executorID {
				total += offer.Cores
			}
		}
	}
	return total
}

func testConfig(t *testing.T, overrides map[string]interface{}) *config.Config {
	t.Helper()

	v := viper.New()
	// Periodic revival off by default so offer assertions stay deterministic.
	v.Set(config.KeyReviveInterval, "0s")
	v.Set(config.KeyAskTimeout, 5)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return config.Load(v)
}

func startTestBackend(t *testing.T, overrides map[string]interface{}) (*Backend, *recordingScheduler, *nats.Conn, func()) {
	t.Helper()

	_, nc, cleanup := testutil.StartServer(t)

	sched := &recordingScheduler{}
	backend := NewBackend(nc, sched, testConfig(t, overrides), zaptest.NewLogger(t))
	require.NoError(t, backend.Start())

	return backend, sched, nc, func() {
		backend.Stop()
		cleanup()
	}
}

func register(t *testing.T, nc *nats.Conn, msg protocol.RegisterExecutor) protocol.RegisterResponse {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	reply, err := nc.Request(protocol.RegisterSubject, data, 5*time.Second)
	require.NoError(t, err)

	var resp protocol.RegisterResponse
	require.NoError(t, json.Unmarshal(reply.Data, &resp))
	return resp
}

func executorA() protocol.RegisterExecutor {
	return protocol.RegisterExecutor{
		ExecutorID: "A",
		HostPort:   "h:1",
		Cores:      4,
		Handle:     "handle-A",
		Address:    "addr-A",
	}
}

func publish(t *testing.T, nc *nats.Conn, subject string, msg interface{}) {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(subject, data))
}

func TestRegistrationProducesOffer(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, map[string]interface{}{
		"grid.app.name": "demo",
	})
	defer cleanup()

	resp := register(t, nc, executorA())
	require.True(t, resp.Registered)
	assert.Equal(t, "demo", resp.Properties["grid.app.name"])

	assert.EqualValues(t, 4, backend.TotalCores())
	assert.Equal(t, 1, backend.ExecutorCount())

	testutil.Eventually(t, 5*time.Second, func() bool {
		return sched.offeredCores("A") == 4
	})

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.NotEmpty(t, sched.batches)
	assert.Equal(t, []model.WorkerOffer{{ExecutorID: "A", HostPort: "h:1", Cores: 4}}, sched.batches[0])
}

func TestTerminalStatusUpdateRestoresOneCore(t *testing.T) {
	_, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)
	testutil.Eventually(t, 5*time.Second, func() bool { return sched.offeredCores("A") == 4 })

	publish(t, nc, protocol.StatusSubject, protocol.StatusUpdate{
		ExecutorID: "A",
		TaskID:     7,
		State:      model.TaskStateFinished,
		Data:       []byte("result"),
	})

	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.statuses) == 1 && len(sched.singles) == 1
	})

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, statusRecord{taskID: 7, state: model.TaskStateFinished, data: []byte("result")}, sched.statuses[0])
	assert.Equal(t, model.WorkerOffer{ExecutorID: "A", HostPort: "h:1", Cores: 1}, sched.singles[0])
}

func TestNonTerminalStatusUpdateFreesNothing(t *testing.T) {
	_, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)
	testutil.Eventually(t, 5*time.Second, func() bool { return sched.offeredCores("A") == 4 })

	publish(t, nc, protocol.StatusSubject, protocol.StatusUpdate{
		ExecutorID: "A",
		TaskID:     7,
		State:      model.TaskStateRunning,
	})

	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.statuses) == 1
	})

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Empty(t, sched.singles)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	backend, _, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	dup := executorA()
	dup.HostPort = "h:2"
	dup.Cores = 2
	dup.Handle = "handle-A2"
	dup.Address = "addr-A2"

	resp := register(t, nc, dup)
	assert.False(t, resp.Registered)
	assert.Equal(t, "Duplicate executor ID: A", resp.Reason)

	assert.EqualValues(t, 4, backend.TotalCores())
	assert.Equal(t, 1, backend.ExecutorCount())
}

func TestInvalidHostPortRejected(t *testing.T) {
	backend, _, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	for _, hostPort := range []string{"", "no-port", ":7077"} {
		msg := executorA()
		msg.HostPort = hostPort
		resp := register(t, nc, msg)
		assert.False(t, resp.Registered, "host:port %q", hostPort)
		assert.Contains(t, resp.Reason, "Invalid host:port", "host:port %q", hostPort)
	}
	assert.EqualValues(t, 0, backend.TotalCores())
}

func TestGoodbyeRemovesExecutor(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)
	testutil.Eventually(t, 5*time.Second, func() bool { return sched.offeredCores("A") == 4 })

	publish(t, nc, protocol.GoodbyeSubject, protocol.Goodbye{Handle: "handle-A"})

	testutil.Eventually(t, 5*time.Second, func() bool { return sched.lostCount() == 1 })

	sched.mu.Lock()
	assert.Equal(t, lossRecord{executorID: "A", reason: "peer terminated"}, sched.lost[0])
	sched.mu.Unlock()

	assert.EqualValues(t, 0, backend.TotalCores())

	// A revive round after removal produces no offer for A.
	backend.ReviveOffers()
	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		for _, batch := range sched.batches[1:] {
			for _, offer := range batch {
				if offer.ExecutorID == "A" {
					return false
				}
			}
		}
		return len(sched.batches) >= 2
	})
}

func TestDrainingRemovesExecutorByAddress(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	publish(t, nc, protocol.DrainingSubject, protocol.Draining{Address: "addr-A"})

	testutil.Eventually(t, 5*time.Second, func() bool { return sched.lostCount() == 1 })

	sched.mu.Lock()
	assert.Equal(t, lossRecord{executorID: "A", reason: "peer shutdown"}, sched.lost[0])
	sched.mu.Unlock()
	assert.EqualValues(t, 0, backend.TotalCores())
}

func TestHeartbeatExpiryRemovesExecutor(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, map[string]interface{}{
		config.KeyHeartbeatInterval: "50ms",
		config.KeyHeartbeatTimeout:  "150ms",
	})
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)
	assert.EqualValues(t, 4, backend.TotalCores())

	// No heartbeats arrive; the liveness monitor reports the peer gone.
	testutil.Eventually(t, 5*time.Second, func() bool { return sched.lostCount() == 1 })

	sched.mu.Lock()
	assert.Equal(t, lossRecord{executorID: "A", reason: "peer disconnected"}, sched.lost[0])
	sched.mu.Unlock()
	assert.EqualValues(t, 0, backend.TotalCores())
}

func TestHeartbeatsKeepExecutorAlive(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, map[string]interface{}{
		config.KeyHeartbeatInterval: "50ms",
		config.KeyHeartbeatTimeout:  "200ms",
	})
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, _ := json.Marshal(protocol.Heartbeat{
					ExecutorID: "A",
					Handle:     "handle-A",
					Address:    "addr-A",
					SentAt:     time.Now(),
				})
				nc.Publish(protocol.HeartbeatSubject, data)
			}
		}
	}()

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, sched.lostCount())
	assert.EqualValues(t, 4, backend.TotalCores())
}

func TestRemoveExecutorIsIdempotent(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	require.NoError(t, backend.RemoveExecutor("A", "requested"))
	require.NoError(t, backend.RemoveExecutor("A", "requested again"))

	// A racing terminate event for the same peer changes nothing.
	publish(t, nc, protocol.GoodbyeSubject, protocol.Goodbye{Handle: "handle-A"})
	backend.ReviveOffers()

	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.batches) >= 2
	})

	assert.Equal(t, 1, sched.lostCount())
	sched.mu.Lock()
	assert.Equal(t, lossRecord{executorID: "A", reason: "requested"}, sched.lost[0])
	sched.mu.Unlock()
}

// FreeCores({A: k}) followed by ReviveOffers with no other activity offers
// exactly k cores for A.
func TestFreeCoresThenReviveOffersExactly(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)
	testutil.Eventually(t, 5*time.Second, func() bool { return sched.offeredCores("A") == 4 })

	backend.FreeCores(map[string]int{"A": 3})
	backend.ReviveOffers()

	testutil.Eventually(t, 5*time.Second, func() bool { return sched.offeredCores("A") == 7 })

	sched.mu.Lock()
	defer sched.mu.Unlock()
	last := sched.batches[len(sched.batches)-1]
	assert.Equal(t, []model.WorkerOffer{{ExecutorID: "A", HostPort: "h:1", Cores: 3}}, last)
}

// No core is offered twice without an intervening FreeCores or terminal
// status update: back-to-back revive rounds offer 4 cores total, not 8.
func TestOfferRoundsNeverDoubleOffer(t *testing.T) {
	backend, sched, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	backend.ReviveOffers()
	backend.ReviveOffers()
	backend.ReviveOffers()

	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.batches) >= 4
	})

	assert.Equal(t, 4, sched.offeredCores("A"))
}

func TestLaunchTaskReachesExecutor(t *testing.T) {
	backend, _, nc, cleanup := startTestBackend(t, nil)
	defer cleanup()

	require.True(t, register(t, nc, executorA()).Registered)

	launches := make(chan int64, 2)
	sub, err := nc.Subscribe(protocol.LaunchSubject("A"), func(msg *nats.Msg) {
		var launch protocol.LaunchTask
		if err := json.Unmarshal(msg.Data, &launch); err == nil {
			launches <- launch.Task.TaskID
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	backend.LaunchTask(&model.TaskDescription{TaskID: 1, ExecutorID: "A"})
	backend.LaunchTask(&model.TaskDescription{TaskID: 2, ExecutorID: "A"})

	select {
	case id := <-launches:
		assert.EqualValues(t, 1, id)
	case <-time.After(5 * time.Second):
		t.Fatal("first launch not delivered")
	}
	select {
	case id := <-launches:
		assert.EqualValues(t, 2, id)
	case <-time.After(5 * time.Second):
		t.Fatal("second launch not delivered")
	}
}

func TestFailedLaunchSurfacesAsLost(t *testing.T) {
	backend, sched, _, cleanup := startTestBackend(t, nil)
	defer cleanup()

	backend.LaunchTask(&model.TaskDescription{TaskID: 99, ExecutorID: "ghost"})

	testutil.Eventually(t, 5*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.statuses) == 1
	})

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.EqualValues(t, 99, sched.statuses[0].taskID)
	assert.Equal(t, model.TaskStateLost, sched.statuses[0].state)
}

func TestDefaultParallelism(t *testing.T) {
	t.Run("fallback floor", func(t *testing.T) {
		backend, _, _, cleanup := startTestBackend(t, nil)
		defer cleanup()
		assert.Equal(t, 2, backend.DefaultParallelism())
	})

	t.Run("tracks total cores", func(t *testing.T) {
		backend, _, nc, cleanup := startTestBackend(t, nil)
		defer cleanup()
		require.True(t, register(t, nc, executorA()).Registered)
		assert.Equal(t, 4, backend.DefaultParallelism())
	})

	t.Run("configured override", func(t *testing.T) {
		backend, _, _, cleanup := startTestBackend(t, map[string]interface{}{
			config.KeyDefaultParallelism: 7,
		})
		defer cleanup()
		assert.Equal(t, 7, backend.DefaultParallelism())
	})
}

func TestStopLifecycle(t *testing.T) {
	_, nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	backend := NewBackend(nc, &recordingScheduler{}, testConfig(t, nil), zaptest.NewLogger(t))

	assert.ErrorIs(t, backend.Stop(), ErrNotStarted)

	require.NoError(t, backend.Start())
	assert.ErrorIs(t, backend.Start(), ErrAlreadyStarted)

	require.NoError(t, backend.Stop())
	assert.ErrorIs(t, backend.Stop(), ErrStopped)
}
