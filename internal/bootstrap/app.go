package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"transcribe-queue/internal/api"
	"transcribe-queue/internal/config"
	"transcribe-queue/internal/diagnostics"
	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/engine"
	"transcribe-queue/internal/events"
	"transcribe-queue/internal/retry"
	"transcribe-queue/internal/store"
	"transcribe-queue/internal/watch"
	"transcribe-queue/internal/worker"
)

// shutdownGrace bounds how long the HTTP server drains on shutdown.
const shutdownGrace = 5 * time.Second

// App owns the assembled service: store, watcher, workers, sweeper and API.
type App struct {
	cfg     domain.Config
	store   *store.Store
	bus     *events.Bus
	checker *diagnostics.Checker
	watcher *watch.Watcher
	workers []*worker.Worker
	sweeper *worker.Sweeper
	server  *api.Server
}

// New loads configuration and wires every component together.
func New(configPath string) (*App, error) {
	cfg, err := config.NewJSONStore(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	for _, dir := range []string{cfg.IngestDir, cfg.OutputDir, cfg.FailedDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	checker := diagnostics.NewChecker()
	report := checker.Run(cfg)
	for _, item := range report.Items {
		if item.Status == domain.DiagnosticStatusFail {
			log.Printf("[bootstrap] diagnostic %s failed: %s", item.ID, item.Message)
		}
	}
	if report.HasFailures {
		log.Printf("[bootstrap] starting with failed diagnostics, jobs may fail until resolved")
	}

	st, err := store.Open(cfg.DBPath, cfg.LeaseDuration())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	bus := events.NewBus(500)
	st.SetEventFunc(func(kind string, job domain.Job) {
		bus.Publish(events.FromJob(kind, job))
	})

	runner := engine.NewRunner(cfg.Engine)
	submitter := watch.NewSubmitter(st, runner)
	watcher := watch.NewWatcher(cfg.IngestDir, cfg.QuietPeriod(), submitter)

	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workers = append(workers, worker.New(i+1, st, runner, cfg))
	}

	retrier := retry.NewCoordinator(st, cfg.IngestDir)
	server := api.NewServer(st, submitter, retrier, bus, func() domain.DiagnosticReport {
		return checker.Run(cfg)
	})

	return &App{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		checker: checker,
		watcher: watcher,
		workers: workers,
		sweeper: worker.NewSweeper(st, sweepInterval(cfg.LeaseDuration())),
		server:  server,
	}, nil
}

// sweepInterval derives the lease sweep cadence so an expired lease is
// noticed within half a lease period.
func sweepInterval(lease time.Duration) time.Duration {
	interval := lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Config returns the resolved configuration.
func (a *App) Config() domain.Config {
	return a.cfg
}

// Run starts every component and blocks until the context is cancelled or
// the HTTP server fails. Shutdown waits for workers to settle, leaving any
// interrupted job to the lease sweep after restart.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[bootstrap] watcher stopped: %v", err)
			cancel()
		}
	}()

	for _, w := range a.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweeper.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[bootstrap] serving HTTP on %s", a.cfg.HTTPAddr)
		if err := a.server.Start(a.cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = err
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[bootstrap] http shutdown: %v", err)
	}

	wg.Wait()

	if err := a.store.Close(); err != nil {
		log.Printf("[bootstrap] close store: %v", err)
	}

	log.Printf("[bootstrap] stopped")
	return runErr
}
