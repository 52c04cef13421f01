package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/executor"
	"github.com/t77yq/grid-scheduler/internal/handler"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	viper.SetConfigName("executor")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("executor.id", "executor-"+uuid.New().String()[:8])
	viper.SetDefault("executor.host_port", "127.0.0.1:7077")
	viper.SetDefault("executor.cores", 4)
	viper.SetDefault("executor.heartbeat_interval", 5*time.Second)
	viper.SetDefault("executor.history_path", "task_runs.db")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Fatal("Failed to read config file", zap.Error(err))
		}
		logger.Info("No config file found, using defaults")
	}

	nc, err := nats.Connect(viper.GetString("nats.url"),
		nats.Name(viper.GetString("executor.id")),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	exec, err := executor.NewExecutor(nc, executor.Config{
		ID:                viper.GetString("executor.id"),
		HostPort:          viper.GetString("executor.host_port"),
		Cores:             viper.GetInt("executor.cores"),
		HeartbeatInterval: viper.GetDuration("executor.heartbeat_interval"),
		HistoryPath:       viper.GetString("executor.history_path"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	exec.RegisterHandler("shell_command", handler.NewShellCommandHandler(logger))
	if dockerHandler, err := handler.NewDockerContainerHandler(logger); err != nil {
		logger.Warn("Docker handler unavailable", zap.Error(err))
	} else {
		exec.RegisterHandler("docker_container", dockerHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := exec.Start(ctx); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if sig == syscall.SIGTERM {
		exec.Drain()
	}
	exec.Stop()
}
