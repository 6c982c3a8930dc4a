package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/infra/httpserver"
	"github.com/bryanwahyu/osintscan/internal/middleware"
	"github.com/bryanwahyu/osintscan/internal/scheduler"
)

func serveCmd(configPath *string) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic reconcile and sweep jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, !noSchedule)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run reconcile and sweep on their cron schedules")
	return cmd
}

func (a *app) serve(ctx context.Context, schedule bool) error {
	cfg := a.cfg
	if cfg.Webhook.ResultsToken == "" {
		slog.Warn("No results token configured; the webhook rejects every delivery.")
	}
	if cfg.Ops.Secret == "" {
		slog.Warn("No ops secret configured; operational endpoints need an admin key.")
	}

	health := map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: a.db},
	}
	if a.store != nil {
		health["archive"] = middleware.CheckFunc(a.store.Ping)
	}

	handler := httpserver.NewRouter(a.scans, a.credits, a.hub,
		middleware.NewAuthenticator(cfg.APIKeys),
		middleware.NewMetrics(),
		httpserver.Options{
			ResultsToken:    cfg.Webhook.ResultsToken,
			OpsSecret:       cfg.Ops.Secret,
			MaxWebhookBytes: cfg.Webhook.MaxBodyBytes,
			CORSOrigins:     cfg.Server.CORSOrigins,
			RateLimiter:     middleware.NewRateLimiter(ctx, cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillRate),
			Health:          health,
		})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening.", slog.String("addr", srv.Addr), slog.String("dialect", string(a.dialect)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if schedule {
		sched := scheduler.New()
		if err := sched.Add("reconcile", cfg.Reconcile.Schedule, func(ctx context.Context) error {
			sum, err := a.scans.Reconcile(ctx, appscans.SweepOptions{})
			if err == nil && sum.Checked > 0 {
				slog.InfoContext(ctx, "Reconcile pass.", slog.Int("checked", sum.Checked), slog.Int("completed", sum.Completed), slog.Int("failed", sum.Failed))
			}
			return err
		}); err != nil {
			return err
		}
		if err := sched.Add("sweep", cfg.Sweep.Schedule, func(ctx context.Context) error {
			sum, err := a.scans.Sweep(ctx, appscans.SweepOptions{})
			if err == nil && sum.Checked > 0 {
				slog.InfoContext(ctx, "Sweep pass.", slog.Int("checked", sum.Checked), slog.Int("timed_out", sum.TimedOut), slog.Int("failed", sum.Failed))
			}
			return err
		}); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	return g.Wait()
}
