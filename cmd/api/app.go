package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/bryanwahyu/osintscan/internal/application"
	appcredits "github.com/bryanwahyu/osintscan/internal/application/credits"
	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/config"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
	"github.com/bryanwahyu/osintscan/internal/infra/db"
	"github.com/bryanwahyu/osintscan/internal/infra/pubsub"
	"github.com/bryanwahyu/osintscan/internal/infra/storage"
	"github.com/bryanwahyu/osintscan/internal/infra/worker"
	ilog "github.com/bryanwahyu/osintscan/internal/log"
)

// app holds the wired services shared by every command.
type app struct {
	cfg     *config.Config
	dialect db.Dialect
	db      *sqlx.DB
	hub     *pubsub.Hub
	relay   *pubsub.PGRelay
	store   *storage.Store
	scans   *appscans.Service
	credits *appcredits.Service
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "config.yaml"
		if v := os.Getenv("CONFIG_PATH"); v != "" {
			path = v
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(ilog.New(os.Stderr, cfg.LogLevel))
	return cfg, nil
}

// connect opens the database and, when asked, brings the schema up to date.
func connect(ctx context.Context, cfg *config.Config, migrate bool) (db.Dialect, *sqlx.DB, error) {
	dialect, err := db.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return "", nil, err
	}
	conn, err := db.Open(ctx, dialect, cfg.DSN(), db.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return "", nil, err
	}
	if migrate {
		if err := db.RunMigrations(ctx, conn); err != nil {
			conn.Close()
			return "", nil, err
		}
	}
	return dialect, conn, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	dialect, conn, err := connect(ctx, cfg, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, dialect: dialect, db: conn, hub: pubsub.NewHub(16)}

	w, err := worker.New(cfg.Worker.URL, cfg.Worker.SharedSecret, cfg.Worker.Buffer)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker client: %w", err)
	}

	var events domain.Broadcaster = a.hub
	if dialect == db.Postgres {
		// Fan out through LISTEN/NOTIFY so every replica's viewers hear it.
		a.relay = pubsub.NewPGRelay(conn, cfg.DSN(), a.hub)
		events = a.relay
	}

	ledgerRepo := db.NewLedgerRepository(conn)
	a.scans = &appscans.Service{
		Repo:   db.NewScanRepository(conn),
		Ledger: ledgerRepo,
		Worker: w,
		Events: events,
		Errors: db.NewScanErrorRepository(conn),
		Clock:  application.SystemClock{},
		Config: settings(cfg),
	}
	a.credits = &appcredits.Service{Ledger: ledgerRepo, Clock: application.SystemClock{}}

	if cfg.MinioEnabled() {
		store, err := storage.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("minio init: %w", err)
		}
		a.store = store
		a.scans.Archive = store
	}
	return a, nil
}

func (a *app) Close() error { return a.db.Close() }

func settings(cfg *config.Config) appscans.Settings {
	s := appscans.DefaultSettings()
	s.Costs = make(map[domain.Kind]int64, len(cfg.Billing.Costs))
	for kind, cost := range cfg.Billing.Costs {
		s.Costs[domain.Kind(kind)] = cost
	}
	s.PartialRefundPercent = cfg.RefundPercent()
	s.MinTimeout = cfg.Worker.MinTimeout
	s.MaxTimeout = cfg.Worker.MaxTimeout
	s.DefaultTimeout = cfg.Worker.DefaultTimeout
	s.MaxFindings = cfg.Webhook.MaxFindings
	s.PayloadLinkTTL = cfg.Minio.PresignTTL
	s.DriftThreshold = cfg.Reconcile.DriftThreshold
	s.FailThreshold = cfg.Reconcile.FailThreshold
	s.ReconcileLimit = cfg.Reconcile.Limit
	s.SweepTimeout = cfg.Sweep.Timeout
	s.FailureMultiplier = cfg.Sweep.FailureMultiplier
	s.SweepLimit = cfg.Sweep.Limit
	return s
}
