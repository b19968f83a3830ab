package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceanrun/jobkeep/internal/config"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/registry"
	"github.com/oceanrun/jobkeep/internal/supervisor"
	"github.com/oceanrun/jobkeep/internal/utils"
)

func main() {
	log, err := logger.New(utils.GetEnv("JOBKEEP_LOG_MODE", "production", nil))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("JOBKEEP_CONFIG_FILE"), log)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	shutdown := observability.Init(context.Background(), log, observability.Config{
		ServiceName: cfg.InstanceName,
		Environment: cfg.LogMode,
	})
	defer func() { _ = shutdown(context.Background()) }()

	workers := registry.NewWorkerRegistry()
	registerWorkers(workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := supervisor.New(ctx, cfg, log, observability.NewLogSink(log), workers)
	if err != nil {
		log.Fatal("failed to build instance", "error", err)
	}

	if err := inst.Start(ctx); err != nil {
		log.Fatal("failed to start instance", "error", err)
	}
	log.Info("jobkeep instance started", "instance", cfg.InstanceName, "node", cfg.Node, "queues", len(cfg.Queues))

	<-ctx.Done()
	log.Info("shutdown signal received, draining queues", "grace_period", cfg.ShutdownGracePeriod.String())
	inst.Stop()
	log.Info("jobkeep instance stopped")
}

// registerWorkers is where a deployment binds its `worker` symbols to
// registry.Handler implementations (§9 "builder pattern"). The core ships
// with none; operators register their own at startup.
func registerWorkers(workers *registry.WorkerRegistry) {
	_ = workers
}
