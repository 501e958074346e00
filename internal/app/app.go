// Package app wires the orchestrator's subsystems together and owns their
// start/stop lifecycle. Tests construct fresh instances; nothing here is a
// mutable global.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/api"
	"github.com/aosanya/FlowCortex/internal/audit"
	"github.com/aosanya/FlowCortex/internal/bus"
	"github.com/aosanya/FlowCortex/internal/config"
	"github.com/aosanya/FlowCortex/internal/database"
	"github.com/aosanya/FlowCortex/internal/orchestrator"
	"github.com/aosanya/FlowCortex/internal/queue"
	"github.com/aosanya/FlowCortex/internal/registry"
	"github.com/aosanya/FlowCortex/internal/resources"
	"github.com/aosanya/FlowCortex/internal/store"
	"github.com/aosanya/FlowCortex/internal/tracker"
)

// App is the assembled orchestrator process.
type App struct {
	cfg *config.Config

	dbClient *database.ArangoClient
	st       store.StateStore
	q        *queue.RedisQueue
	reg      *registry.Registry
	res      *resources.Manager
	trk      *tracker.Tracker
	nb       *bus.Bus
	aud      *audit.Logger
	orch     *orchestrator.Orchestrator
	server   *api.Server
}

// New connects the backends and builds every subsystem. Any error here is a
// startup failure: the process should exit with code 1.
func New(cfg *config.Config) (*App, error) {
	dbClient, err := database.NewArangoClient(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("state store unreachable: %w", err)
	}
	if err := dbClient.Ping(); err != nil {
		dbClient.Close()
		return nil, fmt.Errorf("state store unreachable: %w", err)
	}

	st, err := store.NewArangoStore(dbClient.Database())
	if err != nil {
		dbClient.Close()
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	q, err := queue.NewRedisQueue(cfg.QueueURL, queue.Options{
		MaxAttempts:  cfg.Agent.MaxRetries + 1,
		BackoffType:  cfg.Queue.BackoffType,
		BackoffDelay: cfg.BackoffDelay(),
	})
	if err != nil {
		dbClient.Close()
		return nil, fmt.Errorf("queue unreachable: %w", err)
	}

	reg := registry.New()
	if err := reg.Seed(context.Background(), st); err != nil {
		log.WithError(err).Warn("Agent registry seed failed, continuing with built-ins only")
	}

	nb := bus.New(bus.Config{
		Features: map[string]bool{
			"websockets":         cfg.Features.EnableWebsockets,
			"realTimeMonitoring": cfg.Features.EnableRealTimeMonitoring,
			"workflowCaching":    cfg.Features.EnableWorkflowCaching,
		},
	})

	aud := audit.NewLogger(st)

	res, err := resources.NewManager(resources.Limits{
		MaxConcurrentTasks: cfg.Agent.QueueConcurrency,
		MaxMemoryBytes:     cfg.MemoryLimitBytes(),
		MaxCPUPercent:      100,
	}, func(event resources.Event) {
		if event.Type == resources.EventWarning {
			aud.System(context.Background(), audit.ActionResourceWarning, "resources", event.Dimension, map[string]any{
				"percent": event.Percent,
			})
		}
	})
	if err != nil {
		q.Close()
		dbClient.Close()
		return nil, fmt.Errorf("invalid resource limits: %w", err)
	}

	trk := tracker.New(st, tracker.Config{})

	orch := orchestrator.New(orchestrator.Config{
		Workers:            cfg.Agent.QueueConcurrency,
		DefaultTaskTimeout: cfg.TaskTimeout(),
		DefaultMaxRetries:  cfg.Agent.MaxRetries,
	}, st, q, reg, res, trk, nb, aud)

	server := api.NewServer(cfg, orch, st, reg, trk, nb, aud, q)

	return &App{
		cfg:      cfg,
		dbClient: dbClient,
		st:       st,
		q:        q,
		reg:      reg,
		res:      res,
		trk:      trk,
		nb:       nb,
		aud:      aud,
		orch:     orch,
		server:   server,
	}, nil
}

// Run starts every subsystem and blocks until shutdown. The returned error
// is a startup failure.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.nb.Start(ctx)
	a.res.StartMonitor(ctx)
	a.trk.StartHistorySweep(ctx, time.Minute)

	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		a.shutdown()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
		a.shutdown()
		return nil
	}
}

// shutdown stops subsystems in dependency order.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown failed")
	}

	a.orch.Stop()
	a.trk.StopHistorySweep()
	a.res.StopMonitor()
	a.nb.Stop()

	if err := a.q.Close(); err != nil {
		log.WithError(err).Warn("Queue close failed")
	}
	if err := a.st.Close(); err != nil {
		log.WithError(err).Warn("State store close failed")
	}
	if err := a.dbClient.Close(); err != nil {
		log.WithError(err).Warn("Database close failed")
	}

	log.Info("Shutdown complete")
}
