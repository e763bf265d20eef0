package main

import (
	"context"
	"fmt"

	"github.com/fieldops/opsync/internal/config"
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/export"
	"github.com/fieldops/opsync/internal/fold"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/logging"
	"github.com/fieldops/opsync/internal/orchestrator"
	"github.com/fieldops/opsync/internal/reldb"
	"github.com/fieldops/opsync/internal/tracking"
	"github.com/fieldops/opsync/internal/writeback"
)

// app holds the open stores of one command run.
type app struct {
	cfg   *config.Config
	store docstore.Store
	db    *reldb.DB
	locks *lock.Manager
}

// openApp opens the primary store, and the relational store when withDB is
// set.
func openApp(ctx context.Context, withDB bool) (*app, error) {
	a := &app{cfg: cfg}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.locks, err = lock.NewWithConfig(store, &lock.Config{
		StaleAfter: cfg.Lock.StaleAfter,
		Logger:     logging.Component(logger, "lock"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if withDB {
		a.db, err = reldb.Open(cfg.Relational.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func openStore(ctx context.Context, c *config.Config) (docstore.Store, error) {
	switch c.Primary.Driver {
	case config.DriverMongo:
		s, err := docstore.OpenMongo(ctx, c.Primary.URI, c.Primary.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := docstore.OpenSQLite(c.Primary.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown primary driver %q", c.Primary.Driver)
	}
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("failed to close relational store", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("failed to close primary store", "error", err)
		}
	}
}

func (a *app) tracker() *tracking.Tracker {
	return tracking.New(a.store, a.cfg.Location(), logging.Component(logger, "tracking"))
}

func (a *app) exporter() (*export.Exporter, error) {
	return export.New(a.store, a.db, a.locks, a.tracker(), &export.Config{
		BatchSize:   a.cfg.Sync.BatchSize,
		MaxBatches:  a.cfg.Sync.MaxBatches,
		Concurrency: a.cfg.Sync.Concurrency,
		Location:    a.cfg.Location(),
		Logger:      logging.Component(logger, "export"),
	})
}

func (a *app) folder(dryRun bool) (*fold.Folder, error) {
	return fold.NewFolder(a.store, a.locks, fold.FolderConfig{
		DryRun: dryRun,
		Logger: logging.Component(logger, "fold"),
	})
}

func (a *app) writer() (*writeback.Writer, error) {
	return writeback.New(a.store, a.db, a.locks, logging.Component(logger, "writeback"))
}

// orchestrator wires every component of a cycle.
func (a *app) orchestrator(dryRun bool, stages []orchestrator.Stage, notifier orchestrator.Notifier) (*orchestrator.Orchestrator, error) {
	folder, err := a.folder(dryRun)
	if err != nil {
		return nil, err
	}
	exp, err := a.exporter()
	if err != nil {
		return nil, err
	}
	w, err := a.writer()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Deps{
		Folder:   folder,
		Exporter: exp,
		Writer:   w,
		Locks:    a.locks,
		Notifier: notifier,
	}, &orchestrator.Config{
		Families:    a.cfg.Families,
		Entities:    export.DefaultEntities(),
		StepTimeout: a.cfg.Sync.StepTimeout,
		Stages:      stages,
		DryRun:      dryRun,
		Logger:      logging.Component(logger, "orchestrator"),
	})
}
