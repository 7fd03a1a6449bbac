// Package daemon wires the workspace, stores, remote, sync engine and control plane
// into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/openmined/syncq/internal/cache"
	"github.com/openmined/syncq/internal/controlplane"
	"github.com/openmined/syncq/internal/db"
	"github.com/openmined/syncq/internal/records"
	"github.com/openmined/syncq/internal/remote"
	"github.com/openmined/syncq/internal/syncq"
	"github.com/openmined/syncq/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Daemon struct {
	config  *Config
	ws      *workspace.Workspace
	queue   syncq.Store
	records records.Store
	cache   *cache.RecordCache
	engine  *syncq.Engine
	cps     *controlplane.Server
	detach  func()
}

// New locks the workspace and opens everything the daemon needs. On error all
// partially opened resources are released.
func New(ctx context.Context, cfg *Config) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ws, err := workspace.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}

	d = &Daemon{config: cfg, ws: ws}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err := d.openStores(); err != nil {
		return nil, err
	}

	rem, err := remote.New(ctx, cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote: %w", err)
	}

	var prober syncq.Prober
	if cfg.Remote.Kind != "" && cfg.Remote.Kind != remote.KindNone {
		prober = rem
	}

	d.engine, err = syncq.New(syncq.Deps{
		Store:   d.queue,
		Applier: rem,
		Records: d.records,
		Prober:  prober,
	})
	if err != nil {
		return nil, err
	}

	d.cache = cache.New(d.records, cfg.Cache.Size, cfg.Cache.TTL)
	d.detach = cache.Attach(d.engine.Events(), d.cache)

	d.cps, err = controlplane.NewServer(cfg.HTTP, controlplane.Deps{
		Engine:  d.engine,
		Records: d.records,
		Cache:   d.cache,
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Daemon) openStores() error {
	if d.config.InMemory {
		d.queue = syncq.NewMemoryStore()
		d.records = records.NewMemoryStore()
		return nil
	}

	queueDB, err := db.NewSqliteDb(db.WithPath(d.ws.QueueDB), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open queue db: %w", err)
	}
	queue, err := syncq.NewSqliteStore(queueDB)
	if err != nil {
		queueDB.Close()
		return err
	}
	d.queue = queue

	recordsDB, err := db.NewSqliteDb(db.WithPath(d.ws.RecordsDB), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open records db: %w", err)
	}
	recs, err := records.NewSqliteStore(recordsDB)
	if err != nil {
		recordsDB.Close()
		return err
	}
	d.records = recs
	return nil
}

func (d *Daemon) Engine() *syncq.Engine {
	return d.engine
}

func (d *Daemon) Workspace() *workspace.Workspace {
	return d.ws
}

// Start runs the daemon until ctx is cancelled or a component fails.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.HTTP.Addr)
	if err != nil {
		d.close()
		return fmt.Errorf("control plane listen: %w", err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("daemon start", "dataDir", d.ws.Root, "remote", d.config.Remote.Kind, "inMemory", d.config.InMemory)

	if err := d.engine.Start(ctx, d.config.Sync); err != nil {
		ln.Close()
		d.close()
		return fmt.Errorf("failed to start sync engine: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.cps.Serve(egCtx, ln); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}

// Stop shuts down the control plane and the engine, then closes the stores.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	if err := d.cps.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop control plane: %w", err))
	}
	if err := d.engine.Stop(); err != nil && !errors.Is(err, syncq.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("failed to stop sync engine: %w", err))
	}
	if err := d.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reload applies a changed config file to the running daemon. Only sync settings
// take effect; the rest needs a restart.
func (d *Daemon) Reload(cfg *Config) error {
	if cfg.Sync == nil {
		return nil
	}
	if _, err := d.engine.UpdateConfig(cfg.Sync.Patch()); err != nil {
		return fmt.Errorf("failed to reload sync config: %w", err)
	}
	d.config.Sync = cfg.Sync.Clone()
	return nil
}

func (d *Daemon) close() error {
	var errs []error
	if d.detach != nil {
		d.detach()
		d.detach = nil
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
		d.queue = nil
	}
	if d.records != nil {
		if err := d.records.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close records: %w", err))
		}
		d.records = nil
	}
	if d.ws != nil {
		if err := d.ws.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
