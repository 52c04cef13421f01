package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/config"
	"github.com/t77yq/grid-scheduler/internal/driver"
	"github.com/t77yq/grid-scheduler/internal/handler"
	"github.com/t77yq/grid-scheduler/internal/scheduler"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	viper.SetConfigName("driver")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("nats.url", nats.DefaultURL)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Fatal("Failed to read config file", zap.Error(err))
		}
		logger.Info("No config file found, using defaults")
	}

	nc, err := nats.Connect(viper.GetString("nats.url"),
		nats.Name("grid-driver"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	cfg := config.Load(viper.GetViper())

	fifo := scheduler.NewFIFOScheduler(logger)
	backend := driver.NewBackend(nc, fifo, cfg, logger)
	fifo.Attach(backend)

	if err := backend.Start(); err != nil {
		logger.Fatal("Failed to start scheduler backend", zap.Error(err))
	}

	logger.Info("Driver running",
		zap.Int("default_parallelism", backend.DefaultParallelism()))

	// Submit demo tasks when asked to.
	if n := viper.GetInt("demo.tasks"); n > 0 {
		payload, _ := json.Marshal(handler.ShellCommandPayload{
			Command: "echo",
			Args:    []string{"hello from the grid"},
			Timeout: 5 * time.Second,
		})
		for i := 0; i < n; i++ {
			id := fifo.Submit("shell_command", payload)
			logger.Info("Submitted demo task", zap.Int64("task_id", id))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if err := backend.Stop(); err != nil {
		logger.Error("Failed to stop scheduler backend", zap.Error(err))
	}
}
