package main

import (
	"fmt"

	"github.com/stylelicense/jobyard/internal/alert"
	"github.com/stylelicense/jobyard/internal/config"
	"github.com/stylelicense/jobyard/internal/db"
	"github.com/stylelicense/jobyard/internal/dispatch"
	"github.com/stylelicense/jobyard/internal/ingest"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/logging"
	"github.com/stylelicense/jobyard/internal/queue"
	"github.com/stylelicense/jobyard/internal/reconcile"
	"github.com/stylelicense/jobyard/internal/supervisor"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultConfigPath = "yard.yaml"

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	return cfg, gormDB, nil
}

// app holds every component wired from one config file.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	db         *gorm.DB
	queue      *queue.Client
	store      *jobs.Store
	ledger     *ledger.Ledger
	supervisor *supervisor.Supervisor
	dispatcher *dispatch.Dispatcher
	ingest     *ingest.Ingest
	reconciler *reconcile.Reconciler
	notifier   alert.Notifier
}

func newApp(configPath string) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return wireApp(cfg, gormDB)
}

// newEphemeralApp wires against a migrated in-memory database.
func newEphemeralApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.OpenMemory()
	if err != nil {
		return nil, err
	}
	return wireApp(cfg, gormDB)
}

func wireApp(cfg *config.Config, gormDB *gorm.DB) (*app, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	notifier, err := alert.FromConfig(cfg.Alerts)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	qc, err := queue.New(queue.OptionsFromConfig(cfg.Redis, log))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       gormDB,
		queue:    qc,
		store:    jobs.New(gormDB, jobs.Options{Logger: log}),
		ledger:   ledger.New(gormDB, ledger.Options{Logger: log}),
		notifier: notifier,
	}
	a.supervisor = supervisor.New(supervisor.Options{
		Store:     a.store,
		Ledger:    a.ledger,
		Publisher: qc,
		Queues:    cfg.Queues,
		Schedule:  supervisor.Schedule(cfg.Retry.Schedule),
		Notifier:  notifier,
		Logger:    log,
	})
	a.dispatcher = dispatch.New(dispatch.Options{
		Store:       a.store,
		Ledger:      a.ledger,
		Enqueuer:    a.supervisor,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Logger:      log,
	})
	a.ingest = ingest.New(ingest.Options{
		Store:      a.store,
		Ledger:     a.ledger,
		Supervisor: a.supervisor,
		Logger:     log,
	})
	a.reconciler = reconcile.New(reconcile.Options{
		Store:              a.store,
		Ledger:             a.ledger,
		Recoverer:          a.supervisor,
		Notifier:           notifier,
		OrphanGrace:        cfg.Reconcile.OrphanGrace,
		PublishGrace:       cfg.Reconcile.PublishGrace,
		RepublishPerSecond: cfg.Reconcile.RepublishPerSecond,
		StallAfter:         cfg.Reconcile.StallAfter,
		Logger:             log,
	})
	return a, nil
}

// close waits for in-flight publishes and retries, then releases the broker.
func (a *app) close() {
	a.supervisor.Close()
	a.queue.Close()
	a.log.Sync()
}
