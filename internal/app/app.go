// Package app owns every long-lived component and wires them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucaji/Shari/internal/catalog"
	badgerstore "github.com/lucaji/Shari/internal/catalog/badger"
	"github.com/lucaji/Shari/internal/catalog/sqlstore"
	"github.com/lucaji/Shari/internal/config"
	"github.com/lucaji/Shari/internal/coordinator"
	"github.com/lucaji/Shari/internal/events"
	"github.com/lucaji/Shari/internal/fileserver"
	"github.com/lucaji/Shari/internal/paths"
	"github.com/lucaji/Shari/internal/watcher"
)

// App is the composition root. Construct it once with New.
type App struct {
	cfg *config.Config
	log *zap.Logger

	paths  *paths.Provider
	store  *catalog.Store
	bus    *events.Broadcaster
	coord  *coordinator.Coordinator
	watch  *watcher.Watcher
	server *fileserver.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	p, err := paths.New(paths.Config{
		DataRoot:     cfg.DataRoot,
		DocumentsDir: cfg.Library.DocumentsDir,
		CachesDir:    cfg.Library.CachesDir,
		Recursive:    cfg.Library.Recursive,
		Extensions:   cfg.Library.Extensions,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Ensure(); err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, cfg, log.Named("catalog"))
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(ctx, backend, catalog.Options{Paths: p, Logger: log.Named("catalog")})
	if err != nil {
		backend.Close()
		return nil, err
	}

	bus := events.NewBroadcaster()
	coord := coordinator.New(coordinator.Deps{
		Paths:   p,
		Catalog: store,
		Signal:  bus,
		Logger:  log.Named("coordinator"),
	}, coordinator.Options{
		UploadGrace:    cfg.Coordinator.UploadGrace,
		PruneEmptyDirs: cfg.Library.PruneEmptyDirs,
	})

	w := watcher.New(watcher.Options{
		Debounce:     cfg.Watcher.Debounce,
		Recursive:    cfg.Library.Recursive,
		Source:       watcher.Source(cfg.Watcher.Source),
		PollInterval: cfg.Watcher.PollInterval,
		Logger:       log.Named("watcher"),
	})

	mode, err := fileserver.ModeFromInt(cfg.Server.Mode)
	if err != nil {
		store.Close(ctx)
		return nil, err
	}
	srv := fileserver.New(fileserver.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Mode:              mode,
		MaxUploadSize:     cfg.Server.MaxUploadSize,
		Username:          cfg.Server.Username,
		PasswordHash:      cfg.Server.PasswordHash,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, fileserver.Deps{
		Paths:    p,
		Library:  store.MainContext(),
		Events:   bus,
		Listener: coord,
		Logger:   log.Named("fileserver"),
	})

	return &App{
		cfg:    cfg,
		log:    log,
		paths:  p,
		store:  store,
		bus:    bus,
		coord:  coord,
		watch:  w,
		server: srv,
	}, nil
}

// OpenBackend opens the catalog backend selected by cfg.
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (catalog.Backend, error) {
	switch cfg.Catalog.Backend {
	case "memory":
		return catalog.NewMemoryBackend(), nil
	case "badger":
		return badgerstore.Open(ctx, badgerstore.Config{Path: cfg.CatalogPath(), Logger: log})
	case "sqlite":
		return sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.SQLite, Path: cfg.CatalogPath(), Logger: log})
	case "postgres":
		return sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.Postgres, DSN: cfg.Catalog.DSN, Logger: log})
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
	}
}

// Start runs an initial reconciliation, then the coordinator worker, the
// watcher (when enabled) and the file server (when its mode is not off).
// A failed initial pass is logged and retried on the next trigger.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.stopped {
		return errors.New("app: already shut down")
	}

	if res, err := a.coord.Reconcile(ctx); err != nil {
		a.log.Warn("initial reconciliation failed", zap.Error(err))
	} else {
		a.log.Info("library loaded",
			zap.Int("documents", a.store.MainContext().Len()),
			zap.Int("added", res.Added),
			zap.Int("removed", res.Removed))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.coord.Run(gctx) })
	a.cancel = cancel
	a.group = g
	a.started = true

	if a.cfg.Watcher.Enabled {
		if _, err := a.startWatching(); err != nil {
			return err
		}
	}
	if a.server.Mode() != fileserver.ModeOff {
		if _, err := a.server.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the server and watcher, lets a pass in flight finish and
// closes the catalog. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	a.server.Stop()
	a.watch.Stop()

	if a.started {
		a.cancel()
		done := make(chan error, 1)
		go func() { done <- a.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("coordinator exited with error", zap.Error(err))
			}
		case <-ctx.Done():
			a.log.Warn("shutdown deadline reached before coordinator drained")
		}
	}

	if err := a.store.Close(ctx); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// SetServerMode changes the server mode, restarting a running server so the
// new mode takes effect. ModeOff leaves it stopped.
func (a *App) SetServerMode(mode fileserver.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid server mode %d", int(mode))
	}
	running := a.server.Stop()
	if err := a.server.SetMode(mode); err != nil {
		return err
	}
	if running && mode != fileserver.ModeOff {
		if _, err := a.server.Start(); err != nil {
			return err
		}
	}
	return nil
}

// StartServer starts the file server in its current mode.
func (a *App) StartServer() (bool, error) { return a.server.Start() }

// StopServer stops the file server, aborting transfers in flight.
func (a *App) StopServer() bool { return a.server.Stop() }

// StartWatching observes the documents root.
func (a *App) StartWatching() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startWatching()
}

func (a *App) startWatching() (bool, error) {
	ok, err := a.watch.Start(a.paths.DocumentsRoot(), a.coord.OnWatcherSignal)
	if err != nil {
		return false, fmt.Errorf("watch %s: %w", a.paths.DocumentsRoot(), err)
	}
	return ok, nil
}

// StopWatching stops observing. A callback already dispatched may still run.
func (a *App) StopWatching() bool { return a.watch.Stop() }

// Scan runs one reconciliation pass now.
func (a *App) Scan(ctx context.Context) (coordinator.Result, error) {
	return a.coord.Reconcile(ctx)
}

func (a *App) Config() *config.Config                { return a.cfg }
func (a *App) Paths() *paths.Provider                { return a.paths }
func (a *App) Catalog() *catalog.Store               { return a.store }
func (a *App) Events() *events.Broadcaster           { return a.bus }
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }
func (a *App) Server() *fileserver.Server            { return a.server }
func (a *App) Watcher() *watcher.Watcher             { return a.watch }
