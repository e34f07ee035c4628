// Package app is the composition root: it builds storage, the marketplace
// session, the pipeline services, the scheduler and the API handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/handlers"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/marketplace"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/ternarybob/polymer/internal/queue"
	"github.com/ternarybob/polymer/internal/server"
	"github.com/ternarybob/polymer/internal/services/actor"
	"github.com/ternarybob/polymer/internal/services/ingester"
	"github.com/ternarybob/polymer/internal/services/scheduler"
	"github.com/ternarybob/polymer/internal/services/scraper"
	"github.com/ternarybob/polymer/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Marketplace    interfaces.MarketplaceClient
	Queue          *queue.Queue[models.Observation]

	Scraper   *scraper.Service
	Ingester  *ingester.Service
	Actor     *actor.Service
	Scheduler *scheduler.Manager

	TaskHandler     *handlers.TaskHandler
	AssetHandler    *handlers.AssetHandler
	CategoryHandler *handlers.CategoryHandler

	fatal     chan error
	cancelCtx context.CancelFunc
	ingestWG  sync.WaitGroup
}

// New initializes the application with all dependencies
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	storageManager, err := storage.NewStorageManager(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}

	client, err := newMarketplaceClient(cfg, logger)
	if err != nil {
		_ = storageManager.Close()
		return nil, fmt.Errorf("failed to create marketplace client: %w", err)
	}

	app, err := NewWithDependencies(cfg, logger, storageManager, client)
	if err != nil {
		_ = storageManager.Close()
		return nil, err
	}
	return app, nil
}

// NewWithDependencies wires the application around an existing store and
// marketplace client. The app takes ownership of storageManager.
func NewWithDependencies(cfg *common.Config, logger arbor.ILogger, storageManager interfaces.StorageManager, client interfaces.MarketplaceClient) (*App, error) {
	app := &App{
		Config:         cfg,
		Logger:         logger,
		StorageManager: storageManager,
		Marketplace:    client,
		Queue:          queue.New[models.Observation](cfg.Queue.Capacity),
		fatal:          make(chan error, 1),
	}

	app.initServices()

	if err := app.registerTasks(); err != nil {
		return nil, fmt.Errorf("failed to register tasks: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("downloads", cfg.Downloads.Dir).
		Int("queue_capacity", app.Queue.Cap()).
		Msg("Application initialization complete")

	return app, nil
}

func newMarketplaceClient(cfg *common.Config, logger arbor.ILogger) (*marketplace.Client, error) {
	mc := cfg.Marketplace
	return marketplace.NewClient(
		marketplace.Credentials{
			Email:    mc.Email,
			Password: mc.Password,
			Nickname: mc.Nickname,
			APIKey:   mc.APIKey,
		},
		marketplace.WithBaseURL(mc.BaseURL),
		marketplace.WithHTTPClient(&http.Client{Timeout: mc.RequestTimeout.Std()}),
		marketplace.WithUserAgent(mc.UserAgent),
		marketplace.WithTimeZone(mc.TimeZone),
		marketplace.WithLogger(logger),
	)
}

func (a *App) initServices() {
	assets := a.StorageManager.AssetStorage()

	a.Scraper = scraper.NewService(a.Marketplace, a.Queue, a.Config.Marketplace.PageSize, a.Logger)
	a.Ingester = ingester.NewService(assets, a.Queue, a.Logger)
	a.Actor = actor.NewService(a.Marketplace, assets, actor.Config{
		ClaimConcurrency:    a.Config.Actor.ClaimConcurrency,
		ClaimInterval:       a.Config.Actor.ClaimInterval.Std(),
		DownloadConcurrency: a.Config.Actor.DownloadConcurrency,
		DownloadInterval:    a.Config.Actor.DownloadInterval.Std(),
		DownloadsDir:        a.Config.Downloads.Dir,
	}, a.Logger)
	a.Scheduler = scheduler.NewManager(a.Logger)
}

func (a *App) initHandlers() {
	a.TaskHandler = handlers.NewTaskHandler(a.Scheduler, a.Logger)
	a.AssetHandler = handlers.NewAssetHandler(a.StorageManager.AssetStorage(), a.Config.Downloads.Dir, a.Logger)
	a.CategoryHandler = handlers.NewCategoryHandler(a.StorageManager.CategoryStorage(), a.Logger)
}

// Handlers returns the API handlers for the HTTP server.
func (a *App) Handlers() server.Handlers {
	return server.Handlers{
		Tasks:      a.TaskHandler,
		Assets:     a.AssetHandler,
		Categories: a.CategoryHandler,
	}
}

// Start launches the ingester loop and the scheduler. A storage failure in
// the ingester is delivered on Fatal.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancelCtx = context.WithCancel(ctx)

	a.ingestWG.Add(1)
	common.SafeGo(a.Logger, "ingester", func() {
		defer a.ingestWG.Done()
		if err := a.Ingester.Run(ctx); err != nil {
			a.fatal <- err
		}
	})

	return a.Scheduler.Start(ctx)
}

// Fatal receives the error that stopped the ingester.
func (a *App) Fatal() <-chan error {
	return a.fatal
}

// RunTask runs one task to completion in the foreground, with an ingester
// consuming alongside it, then ingests whatever the task left queued. An
// ingester failure cancels the task so a producer blocked on a full queue
// returns.
func (a *App) RunTask(ctx context.Context, name string) error {
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	ingestErr := make(chan error, 1)
	common.SafeGo(a.Logger, "ingester", func() {
		var err error
		defer func() { ingestErr <- err }()

		if err = a.Ingester.Run(ingestCtx); err != nil {
			cancelTask()
		}
	})

	taskErr := a.Scheduler.Run(taskCtx, name)

	stopIngest()
	if err := <-ingestErr; err != nil {
		return errors.Join(taskErr, err)
	}

	processed, err := a.Ingester.Drain(ctx)
	if processed > 0 {
		a.Logger.Debug().Int("processed", processed).Msg("Drained queued observations")
	}
	return errors.Join(taskErr, err)
}

// Close stops the scheduler and the ingester and closes storage
func (a *App) Close() error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
		a.ingestWG.Wait()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
