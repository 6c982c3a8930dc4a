package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

var (
	toolRx          = regexp.MustCompile(`^[a-z0-9_-]{0,32}$`)
	correlationIDRx = regexp.MustCompile(`^[A-Za-z0-9._:-]{0,128}$`)
)

// DispatchCommand is an end-user request to start a scan.
type DispatchCommand struct {
	Kind          domain.Kind
	Target        string
	Tool          string
	CorrelationID string
	// Timeout is the caller's requested worker budget; zero means default.
	Timeout time.Duration
}

// DispatchResult reports how the worker answered. Queued means the scan is
// accepted and its outcome arrives later through the webhook.
type DispatchResult struct {
	ScanID   domain.ScanID         `json:"scan_id"`
	Status   domain.Status         `json:"status"`
	Queued   bool                  `json:"-"`
	Counts   domain.SeverityCounts `json:"counts"`
	Score    int                   `json:"score"`
	Findings []domain.Finding      `json:"findings,omitempty"`
	Cost     int64                 `json:"cost"`
}

func (c *DispatchCommand) validate() error {
	c.Kind = domain.Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	if !c.Kind.Valid() {
		return domain.Invalid("kind", "must be one of username, email, phone, combined")
	}
	c.Target = strings.TrimSpace(c.Target)
	if c.Kind == domain.KindPhone {
		c.Target = domain.NormalizePhone(c.Target)
	}
	if err := domain.ValidateTarget(c.Kind, c.Target); err != nil {
		return err
	}
	c.Tool = strings.ToLower(strings.TrimSpace(c.Tool))
	if !toolRx.MatchString(c.Tool) {
		return domain.Invalid("tool", "lowercase letters, digits, dash or underscore, at most 32")
	}
	if !correlationIDRx.MatchString(c.CorrelationID) {
		return domain.Invalid("correlation_id", "unexpected characters or length")
	}
	if c.Timeout < 0 {
		return domain.Invalid("timeout", "must not be negative")
	}
	return nil
}

// ClampTimeout bounds a requested worker timeout to the configured window.
func (s Settings) ClampTimeout(d time.Duration) time.Duration {
	if d == 0 {
		d = s.DefaultTimeout
	}
	if d < s.MinTimeout {
		return s.MinTimeout
	}
	if d > s.MaxTimeout {
		return s.MaxTimeout
	}
	return d
}

// Dispatch charges the workspace, records a pending scan and hands it to
// the worker synchronously. A definitive worker failure marks the scan failed
// and refunds the charge; a timeout leaves it pending for the webhook or the
// sweeps to settle.
func (s *Service) Dispatch(ctx context.Context, p identity.Principal, cmd DispatchCommand) (DispatchResult, error) {
	if p.TenantID == "" {
		return DispatchResult{}, domain.ErrForbidden
	}
	if err := cmd.validate(); err != nil {
		return DispatchResult{}, err
	}

	cost := s.Config.Costs[cmd.Kind]
	if cost > 0 {
		bal, err := s.Ledger.Balance(ctx, p.TenantID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("read balance: %w", err)
		}
		if bal < cost {
			return DispatchResult{}, fmt.Errorf("%w: balance %d, cost %d", domain.ErrInsufficientCredits, bal, cost)
		}
	}

	now := s.now()
	scan := &domain.Scan{
		ID:            domain.ScanID(uuid.NewString()),
		TenantID:      p.TenantID,
		OwnerID:       p.UserID,
		Kind:          cmd.Kind,
		Tool:          cmd.Tool,
		Target:        cmd.Target,
		CorrelationID: cmd.CorrelationID,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var charge *ledger.Entry
	if cost > 0 {
		charge = &ledger.Entry{
			TenantID:  p.TenantID,
			Delta:     -cost,
			Reason:    ledger.ReasonScanCharge,
			ScanID:    string(scan.ID),
			Meta:      map[string]any{"scan_id": string(scan.ID), "kind": string(cmd.Kind)},
			CreatedAt: now,
		}
	}
	if err := s.Repo.Create(ctx, scan, charge); err != nil {
		return DispatchResult{}, fmt.Errorf("create scan: %w", err)
	}

	res := DispatchResult{ScanID: scan.ID, Status: domain.StatusPending, Cost: cost}
	timeout := s.Config.ClampTimeout(cmd.Timeout)
	slog.InfoContext(ctx, "Dispatching scan.",
		slog.String("scan_id", string(scan.ID)),
		slog.String("kind", string(scan.Kind)),
		slog.Duration("timeout", timeout))

	resp, err := s.Worker.Submit(ctx, domain.SubmitRequest{
		JobID:   scan.ID,
		Kind:    scan.Kind,
		Tool:    scan.Tool,
		Target:  scan.Target,
		Timeout: timeout,
	})
	// Bookkeeping below must finish even if the caller hung up.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		return s.dispatchFailed(bctx, scan, res, err)
	}

	switch resp.Status {
	case domain.ProgressCompleted:
		done := s.now()
		if err := s.Repo.UpsertProgress(bctx, &domain.Progress{
			ScanID:      scan.ID,
			Status:      domain.ProgressCompleted,
			PayloadKey:  s.archive(bctx, scan, domain.ProgressCompleted, resp.Results),
			UpdatedAt:   done,
			CompletedAt: &done,
		}); err != nil {
			slog.WarnContext(ctx, "Recording inline completion failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
		}
		out := s.settle(bctx, scan, domain.ProgressCompleted, resp.Results, "")
		res.Status = out.Status
		res.Counts = out.Counts
		res.Score = out.Counts.Score()
		res.Findings = out.Findings
		return res, nil

	case domain.ProgressFailed:
		tr, terr := s.Repo.Terminate(bctx, scan.ID, domain.Termination{
			Status:       domain.StatusFailed,
			Message:      "worker reported failure",
			At:           s.now(),
			Refund:       FullRefund,
			RefundReason: ledger.ReasonDispatchRefund,
		})
		if terr != nil {
			return res, fmt.Errorf("fail scan: %w", terr)
		}
		s.audit(bctx, scanerrors.PhaseDispatch, scan.TenantID, scan.ID, scan.Tool, "worker reported failure", resp.Summary)
		s.publish(bctx, scan.ID, tr, "worker reported failure")
		return res, fmt.Errorf("%w: worker reported failure", domain.ErrWorkerFailed)
	}

	if resp.Status == domain.ProgressRunning {
		if _, err := s.Repo.MarkRunning(bctx, scan.ID, s.now()); err != nil {
			slog.WarnContext(ctx, "Marking scan running failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
		} else {
			res.Status = domain.StatusRunning
		}
	}
	if err := s.Repo.UpsertProgress(bctx, &domain.Progress{ScanID: scan.ID, Status: resp.Status, UpdatedAt: s.now()}); err != nil {
		slog.WarnContext(ctx, "Recording queued acknowledgment failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
	}
	res.Queued = true
	return res, nil
}

func (s *Service) dispatchFailed(ctx context.Context, scan *domain.Scan, res DispatchResult, err error) (DispatchResult, error) {
	details := map[string]any{"error": err.Error(), "correlation_id": scan.CorrelationID}

	if errors.Is(err, domain.ErrWorkerTimeout) {
		s.audit(ctx, scanerrors.PhaseDispatch, scan.TenantID, scan.ID, scan.Tool, "worker timed out, scan left pending", details)
		if scan.CorrelationID != "" {
			res.Queued = true
			return res, nil
		}
		return res, err
	}

	tr, terr := s.Repo.Terminate(ctx, scan.ID, domain.Termination{
		Status:       domain.StatusFailed,
		Message:      dispatchMessage(err),
		At:           s.now(),
		Refund:       FullRefund,
		RefundReason: ledger.ReasonDispatchRefund,
	})
	if terr != nil {
		slog.ErrorContext(ctx, "Failing undispatched scan failed.",
			slog.String("scan_id", string(scan.ID)), slog.String("error", terr.Error()))
	} else {
		res.Status = tr.Status
		s.publish(ctx, scan.ID, tr, dispatchMessage(err))
	}
	details["refund"] = tr.Refunded
	s.audit(ctx, scanerrors.PhaseDispatch, scan.TenantID, scan.ID, scan.Tool, dispatchMessage(err), details)
	slog.WarnContext(ctx, "Dispatch failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
	return res, err
}

func dispatchMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrWorkerUnreachable):
		return "worker unreachable"
	case errors.Is(err, domain.ErrWorkerRejected):
		return "worker rejected dispatcher credentials"
	}
	return "worker returned an error"
}
