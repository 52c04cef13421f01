package driver

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/protocol"
	"github.com/t77yq/grid-scheduler/internal/testutil"
)

func TestLaunchPumpDeliversInOrder(t *testing.T) {
	_, nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	reg := newRegistry()
	require.NoError(t, reg.insert(testRecord("a", 4)))

	var mu sync.Mutex
	var received []int64
	sub, err := nc.Subscribe(protocol.LaunchSubject("a"), func(msg *nats.Msg) {
		var launch protocol.LaunchTask
		require.NoError(t, json.Unmarshal(msg.Data, &launch))
		mu.Lock()
		received = append(received, launch.Task.TaskID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pump := newLaunchPump(nc, reg, nil, zaptest.NewLogger(t))
	pump.start()

	for i := int64(1); i <= 10; i++ {
		require.True(t, pump.enqueue(&model.TaskDescription{TaskID: i, ExecutorID: "a"}))
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 10
	})

	mu.Lock()
	defer mu.Unlock()
	for i, taskID := range received {
		assert.Equal(t, int64(i+1), taskID)
	}

	pump.shutdown()
	assert.False(t, pump.enqueue(&model.TaskDescription{TaskID: 11, ExecutorID: "a"}))
}

func TestLaunchPumpReportsUnknownExecutorAsLost(t *testing.T) {
	_, nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	var mu sync.Mutex
	var lost []int64
	pump := newLaunchPump(nc, newRegistry(), func(taskID int64) {
		mu.Lock()
		lost = append(lost, taskID)
		mu.Unlock()
	}, zaptest.NewLogger(t))
	pump.start()
	defer pump.shutdown()

	require.True(t, pump.enqueue(&model.TaskDescription{TaskID: 42, ExecutorID: "ghost"}))

	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1 && lost[0] == 42
	})
}
