// Package app wires configuration, storage, the broker, the OCR backends
// and the worker runtime into one process.
package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/handlers"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/objectstore"
	"github.com/ternarybob/inkwell/internal/queue"
	"github.com/ternarybob/inkwell/internal/services/artifacts"
	"github.com/ternarybob/inkwell/internal/services/jobs"
	"github.com/ternarybob/inkwell/internal/services/ocr"
	"github.com/ternarybob/inkwell/internal/services/pipeline"
	"github.com/ternarybob/inkwell/internal/services/ratelimit"
	"github.com/ternarybob/inkwell/internal/services/status"
	"github.com/ternarybob/inkwell/internal/services/worker"
	badgerstorage "github.com/ternarybob/inkwell/internal/storage/badger"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *badgerstorage.Manager
	ObjectStore    interfaces.ObjectStore
	Broker         *queue.Broker

	JobService *jobs.Service
	Updater    *status.Updater
	Dispatcher *ocr.Dispatcher
	Runner     *worker.Runner
	Sweeper    *worker.Sweeper

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	JobHandler     *handlers.JobHandler
	StorageHandler *handlers.StorageHandler
	TreeHandler    *handlers.TreeHandler
}

// New initializes the application with all dependencies.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	manager, err := badgerstorage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	app.StorageManager = manager

	store, err := objectstore.New(ctx, &cfg.ObjectStore, logger)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	app.ObjectStore = store

	broker, err := queue.NewBroker(manager.DB().Store().Badger(), logger,
		cfg.Queue.QueueName, cfg.Queue.VisibilityTimeout, cfg.Queue.MaxReceive)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	app.Broker = broker

	app.initDispatcher()
	app.initWorker()
	app.initHandlers()

	logger.Info().
		Str("queue", cfg.Queue.QueueName).
		Int("max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs).
		Msg("Application initialized")
	return app, nil
}

// initDispatcher registers the OCR backends behind their rate limiters. The
// global cap spans both backends; Backend B additionally carries its own
// token bucket and slot cap.
func (a *App) initDispatcher() {
	global := ratelimit.NewGlobal(a.Config.Worker.MaxGlobalOCRRequests)

	a.Dispatcher = ocr.NewDispatcher(a.Logger)
	a.Dispatcher.Register(
		ocr.NewBackendA(&a.Config.BackendA, a.Logger),
		ratelimit.New(ratelimit.Config{}, global),
	)
	a.Dispatcher.Register(
		ocr.NewBackendB(&a.Config.BackendB, a.Logger),
		ratelimit.New(ratelimit.Config{
			MaxRPM:        a.Config.BackendB.MaxRPM,
			MaxConcurrent: a.Config.BackendB.MaxConcurrent,
		}, global),
	)
}

func (a *App) initWorker() {
	jobStorage := a.StorageManager.JobStorage()
	nodeStorage := a.StorageManager.NodeStorage()

	a.Updater = status.NewUpdater(jobStorage, a.Logger,
		a.Config.Worker.DebounceInterval, a.Config.Pipeline.ProgressDelta)

	pipeConfig := pipeline.Config{
		RenderDPI:        a.Config.Pipeline.RenderDPI,
		CropPadding:      a.Config.Pipeline.CropPadding,
		StripGap:         a.Config.Pipeline.StripGap,
		MaxStripHeight:   a.Config.Pipeline.MaxStripHeight,
		MatchMaxDistance: a.Config.Pipeline.MatchMaxDistance,
		OCRThreads:       a.Config.Worker.OCRThreadsPerJob,
		ProgressEvery:    a.Config.Pipeline.ProgressEvery,
	}

	builder := artifacts.NewBuilder(jobStorage, nodeStorage, a.ObjectStore, a.Logger)
	a.JobService = jobs.NewService(jobStorage, nodeStorage, a.ObjectStore, a.Broker, a.Config, a.Logger)

	a.Runner = worker.NewRunner(
		jobStorage,
		a.ObjectStore,
		a.Broker,
		a.Updater,
		pipeline.NewCropPass(pipeConfig, a.Logger),
		pipeline.NewRecognizePass(a.Dispatcher, pipeConfig, a.Logger),
		builder,
		a.Config,
		a.Logger,
	)
	a.Sweeper = worker.NewSweeper(jobStorage, a.Config.Worker.TaskTimeLimit, a.Logger)
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Config, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)
	a.StorageHandler = handlers.NewStorageHandler(a.ObjectStore, a.Config, a.Logger)
	a.TreeHandler = handlers.NewTreeHandler(a.StorageManager.NodeStorage(), a.Logger)
}

// Start launches the background workers.
func (a *App) Start() error {
	a.Runner.Start()
	if err := a.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	return nil
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Updater != nil {
		a.Updater.Close()
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Broker close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close metadata store: %w", err)
		}
	}
	a.Logger.Info().Msg("Application stopped")
	return nil
}
