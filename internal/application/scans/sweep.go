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

// SweepSummary reports one timeout sweep.
type SweepSummary struct {
	Checked  int        `json:"checked"`
	TimedOut int        `json:"timed_out"`
	Failed   int        `json:"failed"`
	Skipped  int        `json:"skipped"`
	Errors   []RowError `json:"errors,omitempty"`
}

// Sweep declares silent scans dead. A scan past the timeout with no worker
// activity since becomes timeout; one past FailureMultiplier times the
// timeout becomes failed. The worker may still be running; its late result
// is ignored.
func (s *Service) Sweep(ctx context.Context, opts SweepOptions) (SweepSummary, error) {
	timeout := s.Config.SweepTimeout
	if opts.Threshold > 0 {
		timeout = config.ClampDuration(opts.Threshold, config.MinSweepTimeout, config.MaxSweepTimeout)
	}
	mult := s.Config.FailureMultiplier
	if mult < 1 {
		mult = 10
	}
	limit := s.Config.SweepLimit
	if opts.Limit > 0 {
		limit = config.ClampInt(opts.Limit, config.MinLimit, config.MaxLimit)
	}

	now := s.now()
	cutoff := now.Add(-timeout)
	rows, err := s.Repo.ListStale(ctx, domain.StaleQuery{CreatedBefore: cutoff, SilentSince: &cutoff, Limit: limit})
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list stuck scans: %w", err)
	}

	var sum SweepSummary
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++

		stuck := now.Sub(row.CreatedAt)
		status := domain.StatusTimeout
		if stuck >= timeout*time.Duration(mult) {
			status = domain.StatusFailed
		}
		msg := fmt.Sprintf("no worker activity for %s", stuck.Round(time.Second))

		tr, err := s.Repo.Terminate(ctx, row.ID, domain.Termination{Status: status, Message: msg, At: now})
		if err != nil {
			sum.Errors = append(sum.Errors, RowError{ScanID: row.ID, Error: err.Error()})
			slog.ErrorContext(ctx, "Sweeping scan failed.", slog.String("scan_id", string(row.ID)), slog.String("error", err.Error()))
			continue
		}
		if !tr.Applied {
			sum.Skipped++
			continue
		}
		if tr.Status == domain.StatusFailed {
			sum.Failed++
		} else {
			sum.TimedOut++
		}
		s.audit(ctx, scanerrors.PhaseSweep, row.TenantID, row.ID, "", msg, map[string]any{
			"stuck_seconds": int64(stuck / time.Second),
			"threshold":     timeout.String(),
			"status":        string(tr.Status),
			"progress":      string(row.ProgressStatus),
		})
		s.publish(ctx, row.ID, tr, "swept")
	}

	slog.InfoContext(ctx, "Timeout sweep finished.",
		slog.Int("checked", sum.Checked),
		slog.Int("timed_out", sum.TimedOut),
		slog.Int("failed", sum.Failed),
		slog.Int("errors", len(sum.Errors)))
	return sum, nil
}
