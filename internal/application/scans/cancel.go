package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const (
	MaxBatchCancel   = 100
	batchConcurrency = 8
)

// CancelResult is success-shaped for scans that had already finished.
type CancelResult struct {
	ScanID          domain.ScanID `json:"scan_id"`
	Status          domain.Status `json:"status"`
	AlreadyTerminal bool          `json:"already_terminal,omitempty"`
	Refund          int64         `json:"credit_refund"`
	Findings        int           `json:"findings"`
}

// Cancel stops trusting the worker's result for a scan and refunds part of
// its charge: everything when nothing was found yet, otherwise the
// configured percentage. The worker itself is not told.
func (s *Service) Cancel(ctx context.Context, p identity.Principal, id domain.ScanID) (CancelResult, error) {
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if !p.Owns(scan.TenantID, scan.OwnerID) {
		return CancelResult{}, domain.ErrForbidden
	}
	out := CancelResult{ScanID: id, Status: scan.Status}
	if scan.Status.Terminal() {
		out.AlreadyTerminal = true
		out.Findings = scan.Counts.Total
		return out, nil
	}

	tr, err := s.Repo.Terminate(ctx, id, domain.Termination{
		Status:       domain.StatusCancelled,
		Message:      "cancelled by user",
		At:           s.now(),
		Refund:       CancelRefund(s.Config.PartialRefundPercent),
		RefundReason: ledger.ReasonCancelRefund,
	})
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel scan: %w", err)
	}
	out.Status = tr.Status
	out.Findings = tr.Counts.Total
	if !tr.Applied {
		// Finished between the read and the update.
		out.AlreadyTerminal = true
		return out, nil
	}
	out.Refund = tr.Refunded

	slog.InfoContext(ctx, "Scan cancelled.",
		slog.String("scan_id", string(id)),
		slog.Int64("charged", tr.Charged),
		slog.Int64("refund", tr.Refunded),
		slog.Int("findings", tr.Counts.Total))
	s.audit(ctx, scanerrors.PhaseCancel, scan.TenantID, id, scan.Tool, "cancelled by user", map[string]any{
		"user_id":  p.UserID,
		"charged":  tr.Charged,
		"refund":   tr.Refunded,
		"findings": tr.Counts.Total,
	})
	s.publish(ctx, id, tr, "cancelled")
	return out, nil
}

// BatchCancelItem is one line of a batch cancellation.
type BatchCancelItem struct {
	CancelResult
	Error string `json:"error,omitempty"`
}

// CancelMany cancels each id independently. Per-id failures are reported in
// the result, never as the call's error.
func (s *Service) CancelMany(ctx context.Context, p identity.Principal, ids []domain.ScanID) ([]BatchCancelItem, error) {
	if len(ids) == 0 {
		return nil, domain.Invalid("scan_ids", "must not be empty")
	}
	if len(ids) > MaxBatchCancel {
		return nil, domain.Invalid("scan_ids", fmt.Sprintf("at most %d per request", MaxBatchCancel))
	}
	for _, id := range ids {
		if err := domain.ValidateJobID(strings.TrimSpace(string(id))); err != nil {
			return nil, domain.Invalid("scan_ids", fmt.Sprintf("bad id %q", id))
		}
	}

	out := make([]BatchCancelItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.Cancel(gctx, p, id)
			out[i] = BatchCancelItem{CancelResult: res}
			out[i].ScanID = id
			if err != nil {
				out[i].Error = publicError(err)
				if out[i].Error == "internal_error" {
					slog.ErrorContext(gctx, "Batch cancel failed.", slog.String("scan_id", string(id)), slog.String("error", err.Error()))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// publicError keeps internal failures out of per-item responses.
func publicError(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	}
	return "internal_error"
}
