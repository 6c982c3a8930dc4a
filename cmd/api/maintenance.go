package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/infra/db"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			_, conn, err := connect(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := db.MigrationVersion(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}

// oneShot runs a maintenance pass once and prints its summary as JSON.
func oneShot(configPath *string, name string, run func(ctx context.Context, svc *appscans.Service, opts appscans.SweepOptions) (any, error)) *cobra.Command {
	var opts appscans.SweepOptions
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Run one %s pass and exit", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := identity.WithOperator(cmd.Context(), identity.Operator{Name: "cli:" + name})
			sum, err := run(ctx, a.scans, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().DurationVar(&opts.Threshold, "threshold", 0, "override the age threshold (clamped)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "override the batch size (clamped)")
	return cmd
}

func reconcileCmd(configPath *string) *cobra.Command {
	return oneShot(configPath, "reconcile", func(ctx context.Context, svc *appscans.Service, opts appscans.SweepOptions) (any, error) {
		return svc.Reconcile(ctx, opts)
	})
}

func sweepCmd(configPath *string) *cobra.Command {
	cmd := oneShot(configPath, "sweep", func(ctx context.Context, svc *appscans.Service, opts appscans.SweepOptions) (any, error) {
		return svc.Sweep(ctx, opts)
	})
	cmd.Long = "Settle scans the worker has gone silent on: timeout after the sweep timeout, failed after the failure multiple."
	return cmd
}
