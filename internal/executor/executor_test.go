package executor

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/grid-scheduler/internal/config"
	"github.com/t77yq/grid-scheduler/internal/driver"
	"github.com/t77yq/grid-scheduler/internal/model"
	"github.com/t77yq/grid-scheduler/internal/scheduler"
	"github.com/t77yq/grid-scheduler/internal/testutil"
)

// upperHandler uppercases the task payload.
type upperHandler struct{}

func (upperHandler) Execute(ctx context.Context, task *model.TaskDescription) ([]byte, error) {
	return bytes.ToUpper(task.Payload), nil
}

func TestExecutorEndToEnd(t *testing.T) {
	s, ncDriver, cleanup := testutil.StartServer(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)

	v := viper.New()
	v.Set(config.KeyReviveInterval, "0s")
	v.Set("grid.app.name", "e2e")
	cfg := config.Load(v)

	fifo := scheduler.NewFIFOScheduler(logger)
	backend := driver.NewBackend(ncDriver, fifo, cfg, logger)
	fifo.Attach(backend)
	require.NoError(t, backend.Start())
	defer backend.Stop()

	ncExec := testutil.Connect(t, s)
	defer ncExec.Close()

	exec, err := NewExecutor(ncExec, Config{
		ID:                "exec-1",
		HostPort:          "127.0.0.1:7077",
		Cores:             2,
		HeartbeatInterval: 100 * time.Millisecond,
		HistoryPath:       filepath.Join(t.TempDir(), "runs.db"),
	}, logger)
	require.NoError(t, err)

	exec.RegisterHandler("upper", upperHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, exec.Start(ctx))

	// Properties snapshot adopted from the driver.
	assert.Equal(t, "e2e", exec.Properties()["grid.app.name"])
	assert.EqualValues(t, 2, backend.TotalCores())

	t.Run("task round trip", func(t *testing.T) {
		id := fifo.Submit("upper", []byte("hello"))

		select {
		case <-fifo.Wait(id):
		case <-time.After(10 * time.Second):
			t.Fatal("task did not finish")
		}

		state, ok := fifo.Result(id)
		require.True(t, ok)
		assert.Equal(t, model.TaskStateFinished, state)
	})

	t.Run("unknown handler fails the task", func(t *testing.T) {
		id := fifo.Submit("no-such-handler", nil)

		select {
		case <-fifo.Wait(id):
		case <-time.After(10 * time.Second):
			t.Fatal("task did not finish")
		}

		state, ok := fifo.Result(id)
		require.True(t, ok)
		assert.Equal(t, model.TaskStateFailed, state)
	})

	t.Run("history records runs", func(t *testing.T) {
		runs, err := exec.History().List(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		for _, run := range runs {
			assert.Equal(t, "exec-1", run.ExecutorID)
			assert.True(t, run.State.IsFinished())
			assert.NotNil(t, run.CompletedAt)
		}
	})

	t.Run("stop reclaims cores", func(t *testing.T) {
		exec.Stop()
		testutil.Eventually(t, 5*time.Second, func() bool {
			return backend.TotalCores() == 0
		})
	})
}

func TestExecutorRejectsNonPositiveCores(t *testing.T) {
	_, nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	_, err := NewExecutor(nc, Config{ID: "x", HostPort: "h:1", Cores: 0}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestExecutorDuplicateRegistrationFails(t *testing.T) {
	s, ncDriver, cleanup := testutil.StartServer(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)

	v := viper.New()
	v.Set(config.KeyReviveInterval, "0s")
	cfg := config.Load(v)

	fifo := scheduler.NewFIFOScheduler(logger)
	backend := driver.NewBackend(ncDriver, fifo, cfg, logger)
	fifo.Attach(backend)
	require.NoError(t, backend.Start())
	defer backend.Stop()

	ctx := context.Background()

	ncA := testutil.Connect(t, s)
	defer ncA.Close()
	execA, err := NewExecutor(ncA, Config{ID: "dup", HostPort: "h:1", Cores: 1}, logger)
	require.NoError(t, err)
	require.NoError(t, execA.Start(ctx))
	defer execA.Stop()

	ncB := testutil.Connect(t, s)
	defer ncB.Close()
	execB, err := NewExecutor(ncB, Config{ID: "dup", HostPort: "h:2", Cores: 1}, logger)
	require.NoError(t, err)

	err = execB.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate executor ID: dup")
}
