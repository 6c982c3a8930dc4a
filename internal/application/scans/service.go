package scans

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bryanwahyu/osintscan/internal/application"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

// Service implements the scan lifecycle use-cases. Archive, Events and
// Errors are optional. Safe for concurrent use.
type Service struct {
	Repo    domain.Repository
	Ledger  ledger.Repository
	Worker  domain.Worker
	Archive domain.PayloadArchive
	Events  domain.Broadcaster
	Errors  scanerrors.Repository
	Clock   application.Clock
	Config  Settings
}

// Settings tunes billing, dispatch and the periodic sweeps.
type Settings struct {
	Costs                map[domain.Kind]int64
	PartialRefundPercent int

	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration

	MaxFindings int

	PayloadLinkTTL time.Duration

	DriftThreshold time.Duration
	FailThreshold  time.Duration
	ReconcileLimit int

	SweepTimeout      time.Duration
	FailureMultiplier int
	SweepLimit        int
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	return Settings{
		Costs: map[domain.Kind]int64{
			domain.KindUsername: 1,
			domain.KindEmail:    2,
			domain.KindPhone:    2,
			domain.KindCombined: 4,
		},
		PartialRefundPercent: 50,
		MinTimeout:           10 * time.Second,
		MaxTimeout:           120 * time.Second,
		DefaultTimeout:       30 * time.Second,
		MaxFindings:          5000,
		PayloadLinkTTL:       15 * time.Minute,
		DriftThreshold:       time.Hour,
		FailThreshold:        2 * time.Hour,
		ReconcileLimit:       100,
		SweepTimeout:         2 * time.Minute,
		FailureMultiplier:    10,
		SweepLimit:           100,
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// FullRefund returns everything charged for the scan.
func FullRefund(charged int64, _ int) int64 { return charged }

// CancelRefund refunds in full when nothing was found yet, otherwise percent
// of the charge rounded down.
func CancelRefund(percent int) domain.RefundPolicy {
	return func(charged int64, findings int) int64 {
		if findings == 0 {
			return charged
		}
		return charged * int64(percent) / 100
	}
}

// publish is best effort. Live viewers are a convenience, never a source of truth.
func (s *Service) publish(ctx context.Context, id domain.ScanID, res domain.TerminateResult, reason string) {
	if s.Events == nil {
		return
	}
	evt := domain.Event{
		ScanID:   id,
		TenantID: res.TenantID,
		Status:   res.Status,
		Reason:   reason,
		Refund:   res.Refunded,
		At:       s.now(),
	}
	if err := s.Events.Publish(ctx, evt); err != nil {
		slog.WarnContext(ctx, "Publishing scan event failed.",
			slog.String("scan_id", string(id)), slog.String("error", err.Error()))
	}
}

// audit writes to the scan error log. Failures are logged and swallowed.
func (s *Service) audit(ctx context.Context, phase scanerrors.Phase, tenant string, id domain.ScanID, tool, msg string, details map[string]any) {
	if s.Errors == nil {
		return
	}
	e := &scanerrors.ScanError{
		TenantID:  tenant,
		ScanID:    string(id),
		Tool:      tool,
		Phase:     phase,
		Message:   msg,
		CreatedAt: s.now(),
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			e.DetailsJSON = string(b)
		}
	}
	if err := s.Errors.Save(ctx, e); err != nil {
		slog.ErrorContext(ctx, "Writing scan audit entry failed.",
			slog.String("scan_id", string(id)), slog.String("phase", string(phase)), slog.String("error", err.Error()))
	}
}
