// Package app wires the local store, content store, write buffer, sync
// engine and account manager into one runtime for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/time/rate"

	"recall/internal/account"
	"recall/internal/api"
	"recall/internal/assets"
	"recall/internal/blobstore"
	"recall/internal/cas"
	"recall/internal/config"
	"recall/internal/invalidate"
	"recall/internal/models"
	"recall/internal/querycache"
	"recall/internal/reconcile"
	"recall/internal/remote"
	"recall/internal/scan"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

// PasswordEnvKey supplies the relay password without prompting.
const PasswordEnvKey = "RECALL_PASSWORD"

// Options adjusts Open. Zero values take defaults.
type Options struct {
	// Password is used for sign-in and silent re-authentication.
	Password string
	// Channel replaces the HTTP relay client. It must also implement
	// remote.AccountService.
	Channel remote.Channel
	Logger  *slog.Logger
}

// App is an opened recall runtime.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Hub        *invalidate.Hub
	Cache      *querycache.Cache
	Buffer     *writebuffer.Buffer
	CAS        *cas.Service
	Binder     *assets.Binder
	Importer   *scan.Importer
	Reconciler *reconcile.Reconciler
	Accounts   *account.Manager

	log *slog.Logger
}

// Open opens the local database and blob directory named by cfg and builds
// every component over them.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.BlobDir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: st, Hub: invalidate.NewHub(), log: logger.With("component", "app")}
	if err := a.build(ctx, opts, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, logger *slog.Logger) error {
	cfg := a.Config
	identity, err := a.Store.EnsureIdentity(ctx)
	if err != nil {
		return err
	}

	blobs, err := blobstore.NewLocalCAS(cfg.BlobDir)
	if err != nil {
		return err
	}
	a.Cache, err = querycache.New(querycache.Config{
		LifeWindow:    cfg.Cache.LifeWindow.Duration,
		MaxEntryBytes: cfg.Cache.MaxEntryBytes,
	}, logger)
	if err != nil {
		return err
	}
	sink := invalidate.Multi{a.Hub, cacheSink(a.Cache)}

	var limiter *rate.Limiter
	if perSec := cfg.Sync.MaxSendsPerSecond; perSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
	}
	a.Buffer = writebuffer.New(a.Store, writebuffer.Options{
		BackoffBase: cfg.Sync.BackoffBase.Duration,
		BackoffMax:  cfg.Sync.BackoffMax.Duration,
		BatchSize:   cfg.Sync.FlushBatchSize,
		Limiter:     limiter,
		Sink:        sink,
		Logger:      logger,
	})
	a.CAS = cas.New(blobs, a.Buffer, logger)
	a.Binder = assets.NewBinder(a.Buffer, logger)
	a.Importer = scan.NewImporter(a.CAS, a.Binder, logger)

	channel := opts.Channel
	if channel == nil {
		client, err := api.NewClient(cfg.RemoteURL, api.Credentials{
			Username: cfg.Username,
			Password: opts.Password,
			DeviceID: identity.DeviceID,
		}, api.NewTokenStore(cfg.TokenPath))
		if err != nil {
			return err
		}
		channel = client
	}
	accounts, ok := channel.(remote.AccountService)
	if !ok {
		return fmt.Errorf("remote channel does not provide an account service")
	}

	types, err := cfg.SyncEntityTypes()
	if err != nil {
		return err
	}
	a.Reconciler = reconcile.New(a.Buffer, channel, reconcile.Options{
		EntityTypes:   types,
		FlushInterval: cfg.Sync.FlushInterval.Duration,
		DeferRetry:    cfg.Sync.DeferRetry.Duration,
		Sink:          sink,
		Logger:        logger,
	})
	a.Accounts = account.NewManager(a.Buffer, accounts, a.CAS, logger)
	return nil
}

// cacheSink invalidates cached reads. Blob stats join blob metadata with
// device presence, so a presence change also invalidates blob queries.
func cacheSink(c *querycache.Cache) invalidate.Sink {
	return invalidate.Func(func(et models.EntityType) {
		c.Notify(et)
		if et == models.EntityDeviceBlobs {
			c.Notify(models.EntityBlobsMeta)
		}
	})
}

// Close releases the cache and the database.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Wait()
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// ResumeTransition finishes an account transition interrupted by a crash.
func (a *App) ResumeTransition(ctx context.Context) error {
	identity, err := a.Store.Identity(ctx)
	if err != nil {
		return err
	}
	if !identity.State.Transitioning() {
		return nil
	}
	a.log.Info("resuming interrupted account transition", "state", identity.State)
	report, err := a.Accounts.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume transition: %w", err)
	}
	a.log.Info("account transition finished", "outcome", report.Outcome, "reowned", report.Reowned)
	return nil
}

// BlobStats returns cached blob totals for this device.
func (a *App) BlobStats(ctx context.Context) (store.BlobStats, error) {
	return querycache.Load(a.Cache, models.EntityBlobsMeta, "stats", func() (store.BlobStats, error) {
		return a.CAS.Stats(ctx)
	})
}

// CheckBlobs re-hashes held blobs. Health changes are local only, so the
// cached stats are dropped here.
func (a *App) CheckBlobs(ctx context.Context) (cas.HealthReport, error) {
	report, err := a.CAS.Check(ctx)
	a.Cache.Notify(models.EntityBlobsMeta)
	return report, err
}

// ListAssets returns a cached page of assets.
func (a *App) ListAssets(ctx context.Context, limit, offset int) ([]models.Asset, error) {
	query := "list:" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
	return querycache.Load(a.Cache, models.EntityAssets, query, func() ([]models.Asset, error) {
		return a.Binder.List(ctx, limit, offset)
	})
}

// Watcher returns a directory watcher that imports into this runtime,
// requests a flush after each pass and then calls onImport, if set.
func (a *App) Watcher(root string, onImport func(scan.ScanResult)) *scan.Watcher {
	w := scan.NewWatcher(a.Importer, root, 0, a.log)
	w.OnImport(func(res scan.ScanResult) {
		if res.Added > 0 || res.Existing > 0 {
			a.Reconciler.Kick()
		}
		if onImport != nil {
			onImport(res)
		}
	})
	return w
}
