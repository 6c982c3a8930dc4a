package scans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanwahyu/osintscan/internal/config"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

// SweepOptions overrides the configured window and batch size for one run.
// Zero values keep the configured ones; overrides are clamped.
type SweepOptions struct {
	Threshold time.Duration
	Limit     int
}

// RowError is a per-scan failure collected during a sweep.
type RowError struct {
	ScanID domain.ScanID `json:"scan_id"`
	Error  string        `json:"error"`
}

// ReconcileSummary reports one reconciler run.
type ReconcileSummary struct {
	Checked   int        `json:"checked"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Errors    []RowError `json:"errors,omitempty"`
}

// Reconcile repairs scans whose record fell behind the progress mirror, and
// fails scans the worker never reported on within the fail threshold. It only
// moves records forward: Terminate is a no-op on anything already terminal.
func (s *Service) Reconcile(ctx context.Context, opts SweepOptions) (ReconcileSummary, error) {
	drift := s.Config.DriftThreshold
	if opts.Threshold > 0 {
		drift = config.ClampDuration(opts.Threshold, config.MinDrift, config.MaxDrift)
	}
	failAfter := s.Config.FailThreshold
	if failAfter < drift {
		failAfter = 2 * drift
	}
	limit := s.Config.ReconcileLimit
	if opts.Limit > 0 {
		limit = config.ClampInt(opts.Limit, config.MinLimit, config.MaxLimit)
	}

	now := s.now()
	// Heartbeating scans are left to the sweeper so they never crowd out repairable rows.
	rows, err := s.Repo.ListStale(ctx, domain.StaleQuery{
		CreatedBefore:    now.Add(-drift),
		Drifted:          true,
		UnreportedBefore: now.Add(-failAfter),
		Limit:            limit,
	})
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("list drifted scans: %w", err)
	}

	var sum ReconcileSummary
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++

		var t domain.Termination
		switch {
		case row.ProgressStatus == domain.ProgressCompleted:
			t = domain.Termination{Status: domain.StatusCompleted, Message: "reconciled from worker progress", At: now}
		case row.ProgressStatus == domain.ProgressFailed:
			t = domain.Termination{Status: domain.StatusFailed, Message: "reconciled from worker progress", At: now}
		case row.ProgressStatus == "" && now.Sub(row.CreatedAt) >= failAfter:
			t = domain.Termination{Status: domain.StatusFailed, Message: "timed out: worker never reported", At: now}
		default:
			sum.Skipped++
			continue
		}

		tr, err := s.Repo.Terminate(ctx, row.ID, t)
		if err != nil {
			sum.Errors = append(sum.Errors, RowError{ScanID: row.ID, Error: err.Error()})
			slog.ErrorContext(ctx, "Reconciling scan failed.", slog.String("scan_id", string(row.ID)), slog.String("error", err.Error()))
			continue
		}
		if !tr.Applied {
			sum.Skipped++
			continue
		}
		if tr.Status == domain.StatusCompleted {
			sum.Completed++
		} else {
			sum.Failed++
		}
		s.audit(ctx, scanerrors.PhaseReconcile, row.TenantID, row.ID, "", t.Message, map[string]any{
			"progress": string(row.ProgressStatus),
			"age":      now.Sub(row.CreatedAt).Round(time.Second).String(),
			"status":   string(tr.Status),
		})
		s.publish(ctx, row.ID, tr, "reconciled")
	}

	slog.InfoContext(ctx, "Reconcile pass finished.",
		slog.Int("checked", sum.Checked),
		slog.Int("completed", sum.Completed),
		slog.Int("failed", sum.Failed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("errors", len(sum.Errors)))
	return sum, nil
}
