// Command server runs the fraud-detection predict-serving HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pcraw4d/fraud-serving/internal/analytics"
	"github.com/pcraw4d/fraud-serving/internal/api"
	"github.com/pcraw4d/fraud-serving/internal/api/middleware"
	"github.com/pcraw4d/fraud-serving/internal/cache"
	"github.com/pcraw4d/fraud-serving/internal/config"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/registry"
	"github.com/pcraw4d/fraud-serving/internal/retrain"
	"github.com/pcraw4d/fraud-serving/internal/serving"
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
	tracer := observability.NewTracer(cfg.Observability.TracingEnabled)
	diagnostics := observability.NewDiagnostics(logger, 15*time.Second)

	manager := registry.NewManager(cfg.Paths.VersionsDir, cfg.Paths.ActivePtr, cfg.Paths.ShadowPtr, cfg.Paths.RollbackPtr, logger, metrics)
	if err := manager.Bootstrap(); err != nil {
		log.Fatalf("failed to bootstrap model registry: %v", err)
	}

	// The watcher is an optimization that reacts to a pointer swap between
	// requests; it is not authoritative. GetActive/GetShadow re-read their
	// pointer file (with retries) on every call, so a coalesced or dropped
	// fsnotify event never leaves /predict serving a stale version.
	watcher := registry.NewWatcher(logger, watchedPointerDirs(cfg)...)
	go func() {
		for changed := range watcher.Events() {
			switch changed {
			case cfg.Paths.ActivePtr:
				if err := manager.RefreshActive(); err != nil {
					logger.WithError(err).Error("active pointer refresh failed")
				}
			case cfg.Paths.ShadowPtr:
				if err := manager.RefreshShadow(); err != nil {
					logger.WithError(err).Error("shadow pointer refresh failed")
				}
			}
		}
	}()

	emitter := retrain.NewEmitter(cfg.Paths.RetrainRequestsDir, time.Duration(cfg.Retrain.CooldownSeconds)*time.Second, cfg.Retrain.MaxPending, logger, metrics)

	var analyticsStore *analytics.Store
	if cfg.Analytics.Enabled {
		analyticsStore, err = analytics.NewStore(cfg.Analytics.DatabaseURL, logger.Zap())
		if err != nil {
			logger.WithError(err).Warn("analytics store disabled: failed to connect")
		} else if err := analyticsStore.EnsureSchema(context.Background()); err != nil {
			logger.WithError(err).Warn("analytics schema setup failed, disabling analytics")
			analyticsStore.Close()
			analyticsStore = nil
		}
	} else {
		logger.Warn("analytics store disabled: ANALYTICS_DATABASE_URL not set")
	}

	var dashboardCache *cache.DashboardCache
	if cfg.Cache.Enabled {
		dashboardCache, err = cache.NewDashboardCache(cfg.Cache.Addr, cfg.Cache.Prefix, cfg.Cache.TTL.Dur())
		if err != nil {
			logger.WithError(err).Warn("dashboard cache disabled: failed to connect to redis")
			dashboardCache = nil
		}
	} else {
		logger.Warn("dashboard cache disabled: REDIS_ADDR not set")
	}

	engine := serving.NewEngine(serving.EngineConfig{
		Schema: serving.SchemaConfig{Version: cfg.Schema.Version, AllowExtras: cfg.Schema.AllowExtras},
		Alpha:  cfg.Conformal.Alpha,
		Drift: serving.DriftConfig{
			WindowSize:             cfg.Drift.WindowSize,
			Stride:                 cfg.Drift.Stride,
			SoftThreshold:          cfg.Drift.SoftThreshold,
			HardThreshold:          cfg.Drift.HardThreshold,
			RequiredHardWindows:    cfg.Drift.RequiredHardWindows,
			PValueThreshold:        cfg.Drift.PValueThreshold,
			PSISoftThreshold:       cfg.Drift.PSISoftThreshold,
			PSIHardThreshold:       cfg.Drift.PSIHardThreshold,
			PSINormalizationFactor: cfg.Drift.PSINormalizationFactor,
		},
		ShadowSamplingRate: cfg.Shadow.SamplingRate,
	}, manager, emitter, logger, metrics, tracer, analyticsStore)

	server := api.NewServer(api.Config{
		SchemaVersion: cfg.Schema.Version,
		PrometheusURL: cfg.Observability.PrometheusURL,
	}, engine, manager, emitter, analyticsStore, dashboardCache, diagnostics, logger, metrics)

	chain := middleware.NewChain(logger, metrics, cfg.CORSOrigins, cfg.IsProduction())
	handler := chain.Wrap(server.Router())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Dur(),
		WriteTimeout: cfg.Server.WriteTimeout.Dur(),
		IdleTimeout:  cfg.Server.IdleTimeout.Dur(),
	}

	logger.LogStartup("1.0.0", string(cfg.Environment), time.Now().Format(time.RFC3339))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed to start")
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.LogShutdown("graceful_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	watcher.Close()
	diagnostics.Shutdown(ctx)
	tracer.Shutdown(ctx)
	if analyticsStore != nil {
		analyticsStore.Close()
	}
	if dashboardCache != nil {
		dashboardCache.Close()
	}
	logger.LogShutdown("server_shutdown_complete")
}

// watchedPointerDirs returns the deduplicated set of directories holding
// the active/shadow pointer files, for the fsnotify watcher to observe.
func watchedPointerDirs(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, p := range []string{cfg.Paths.ActivePtr, cfg.Paths.ShadowPtr} {
		dir := filepath.Dir(p)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
