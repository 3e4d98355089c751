// Command engine runs the upload orchestration engine: the worker fleet,
// the maintenance timers and a small ops HTTP listener (/healthz, /metrics,
// /status).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/browserfarm"
	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/coord/memstore"
	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/coord/redisstore"
	kafkaevents "github.com/fairyhunter13/upload-orchestrator/internal/adapter/events"
	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/uploader"
	"github.com/fairyhunter13/upload-orchestrator/internal/config"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/engine"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/admission"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/browserpool"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/credentials"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/health"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/registry"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/retryclass"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/selector"
)

const (
	exitInit   = 1
	exitEngine = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return exitInit
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		return exitInit
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(rootCtx, 30*time.Second)
	defer cancelInit()

	pool, err := postgres.NewPool(initCtx, cfg.DBURL, cfg.WorkerConcurrency)
	if err != nil {
		slog.Error("postgres pool init failed", slog.Any("error", err))
		return exitInit
	}
	defer pool.Close()
	if err := pool.Ping(initCtx); err != nil {
		slog.Error("postgres unreachable", slog.Any("error", err))
		return exitInit
	}

	var coord domain.CoordStore
	if cfg.RedisDisabled {
		slog.Warn("redis disabled; using in-process coordination (single replica only)")
		mem := memstore.New()
		defer mem.Close()
		coord = mem
	} else {
		rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = rdb.Close() }()
		store := redisstore.New(rdb)
		if err := store.Ping(initCtx); err != nil {
			slog.Error("redis unreachable", slog.Any("error", err))
			return exitInit
		}
		coord = store
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		slog.Error("master key invalid", slog.Any("error", err))
		return exitInit
	}

	accountsRepo := postgres.NewAccountRepo(pool)
	tasksRepo := postgres.NewTaskRepo(pool)
	historyRepo := postgres.NewHistoryRepo(pool)
	browsersRepo := postgres.NewBrowserRepo(pool)

	credStore, err := credentials.New(masterKey, accountsRepo)
	if err != nil {
		slog.Error("credential store init failed", slog.Any("error", err))
		return exitInit
	}

	bus := events.NewBus()
	defer bus.Close()

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafkaevents.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka publisher init failed", slog.Any("error", err))
			return exitInit
		}
		defer pub.Close()
		ch, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()
		go pub.Run(rootCtx, ch)
	}

	farm := browserfarm.New(cfg.BrowserFarmURL, cfg.BrowserFarmToken)
	reg := registry.New(accountsRepo, bus)
	q := queue.New(tasksRepo, bus, queue.Config{
		HighWatermark: cfg.QueueHighWatermark,
		StallTimeout:  cfg.StallTimeout,
		KeepCompleted: cfg.KeepCompleted,
		KeepDead:      cfg.KeepDead,
	})
	adm := admission.New(coord, admission.Config{
		GlobalLimit:   cfg.GlobalRateLimit,
		GlobalWindow:  cfg.GlobalRateWindow,
		AccountLimit:  cfg.AccountRateLimit,
		AccountWindow: cfg.AccountRateWindow,
	})
	sel := selector.New(accountsRepo, coord, strategyFor(cfg, coord), selector.Config{
		ReservationTTL: cfg.ReservationTTL,
		MinHealthScore: cfg.MinHealthScore,
	})
	bpool := browserpool.New(farm, browsersRepo, bus, browserpool.Config{
		MinInstances: cfg.PoolMinInstances,
		MaxInstances: cfg.PoolMaxInstances,
		IdleTimeout:  cfg.PoolIdleTimeout,
		LeaseTimeout: cfg.PoolLeaseTimeout,
	})
	classifier := retryclass.New(historyRepo)
	monitor := health.New(reg, historyRepo, bus, health.Config{
		CheckInterval:      cfg.HealthCheckInterval,
		LowThreshold:       cfg.HealthLowThreshold,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
	})
	driver := uploader.New(credStore)

	eng := engine.New(engine.Config{
		Concurrency:   cfg.WorkerConcurrency,
		UploadTimeout: cfg.UploadTimeout,
		DrainTimeout:  cfg.DrainTimeout,
	}, engine.Deps{
		Queue:      q,
		Admission:  adm,
		Selector:   sel,
		Registry:   reg,
		Pool:       bpool,
		Classifier: classifier,
		History:    historyRepo,
		Driver:     driver,
		Monitor:    monitor,
		Bus:        bus,
	})

	cleanup := postgres.NewCleanupService(postgres.PoolBeginner{Pool: pool}, cfg.HistoryRetentionDays)
	go cleanup.RunPeriodic(rootCtx, cfg.CleanupInterval)

	if err := eng.Start(rootCtx); err != nil {
		slog.Error("engine start failed", slog.Any("error", err))
		return exitEngine
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           opsRouter(eng),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops listener started", slog.Int("port", cfg.Port))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener failed", slog.Any("error", err))
		}
	}()

	<-rootCtx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+30*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown failed", slog.Any("error", err))
		return exitEngine
	}
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
	slog.Info("engine stopped")
	return 0
}

func strategyFor(cfg config.Config, coord domain.CoordStore) selector.Strategy {
	switch cfg.SelectionStrategy {
	case "round_robin":
		return selector.NewRoundRobin(coord)
	case "least_used":
		return selector.LeastUsed{}
	default:
		return selector.HealthScore{}
	}
}

func opsRouter(eng *engine.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := eng.GetSystemStatus(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, st)
	})
	r.Get("/status/{taskID}", func(w http.ResponseWriter, req *http.Request) {
		view, err := eng.Status(req.Context(), chi.URLParam(req, "taskID"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.Error(w, "task not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, view)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.Any("error", err))
	}
}
