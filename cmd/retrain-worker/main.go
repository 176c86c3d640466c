// Command retrain-worker polls the retrain request queue, trains and
// evaluates a candidate model bundle for each request, and promotes it to
// active when it clears the cost-regression gate.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pcraw4d/fraud-serving/internal/config"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/registry"
	"github.com/pcraw4d/fraud-serving/internal/retrain"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v (normal in container deployments)", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	metrics := observability.NewMetrics()

	manager := registry.NewManager(cfg.Paths.VersionsDir, cfg.Paths.ActivePtr, cfg.Paths.ShadowPtr, cfg.Paths.RollbackPtr, logger, metrics)
	if err := manager.Bootstrap(); err != nil {
		log.Fatalf("failed to bootstrap model registry: %v", err)
	}

	worker := retrain.NewWorker(retrain.WorkerConfig{
		RequestsDir:     cfg.Paths.RetrainRequestsDir,
		VersionsDir:     cfg.Paths.VersionsDir,
		ReportsDir:      cfg.Paths.ReportsDir,
		ShadowPtr:       cfg.Paths.ShadowPtr,
		OldDataRatio:    cfg.Retrain.OldDataRatio,
		Seed:            cfg.Retrain.Seed,
		EvalCosts: retrain.EvalCosts{
			FalsePositive: cfg.Eval.FPCost,
			FalseNegative: cfg.Eval.FNCost,
			Abstain:       cfg.Eval.AbstainCost,
		},
		RetrainCooldown: time.Duration(cfg.Retrain.CooldownSeconds) * time.Second,
		PromoteCooldown: time.Duration(cfg.Promote.CooldownSeconds) * time.Second,
		MaxCostIncrease: cfg.Promote.MaxCostIncrease,
		AutoPromote:     cfg.Promote.AutoPromote,
		ConformalAlpha:  cfg.Conformal.Alpha,
		Labels:          cfg.Conformal.Labels,
	}, manager, logger, metrics)

	dataset, err := retrain.LoadDataset(cfg.Data.TrainPath, cfg.Data.CalibPath, cfg.Data.TestPath, cfg.Data.TestDriftedPath)
	if err != nil {
		log.Fatalf("failed to load retrain dataset: %v", err)
	}

	pollInterval := time.Duration(cfg.Promote.PollSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go runPollLoop(worker, dataset, pollInterval, logger, stop, done)

	logger.LogStartup("1.0.0", string(cfg.Environment), time.Now().Format(time.RFC3339))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.LogShutdown("graceful_shutdown")
	close(stop)
	<-done
	logger.LogShutdown("retrain_worker_shutdown_complete")
}

func runPollLoop(worker *retrain.Worker, dataset retrain.Dataset, interval time.Duration, logger *observability.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := worker.PollOnce(dataset); err != nil {
				logger.WithError(err).Error("retrain poll failed")
			}
		case <-stop:
			return
		}
	}
}
