package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const archiveTimeout = 10 * time.Second

// IngestCommand is a worker's webhook delivery.
type IngestCommand struct {
	JobID       string
	Status      string
	UserID      string
	WorkspaceID string
	Kind        string
	Tool        string
	Target      string
	Error       string
	Raw         json.RawMessage
}

// IngestResult is returned once the progress mirror is written.
type IngestResult struct {
	ScanID   domain.ScanID         `json:"scan_id"`
	Status   domain.Status         `json:"status"`
	Mirror   domain.ProgressStatus `json:"progress"`
	Created  bool                  `json:"created,omitempty"`
	Applied  bool                  `json:"applied"`
	Findings int                   `json:"findings"`
}

// Ingest records a worker callback. Writing the progress mirror is the only
// step that can fail the delivery. A failed findings insert or archive is
// logged and audited, not retried; the scan settles with the counts stored.
// A failed transition is left to the reconciler, which settles the scan
// from the mirror.
func (s *Service) Ingest(ctx context.Context, cmd IngestCommand) (IngestResult, error) {
	cmd.JobID = strings.TrimSpace(cmd.JobID)
	if err := domain.ValidateJobID(cmd.JobID); err != nil {
		return IngestResult{}, err
	}
	status, err := domain.ParseProgressStatus(cmd.Status)
	if err != nil {
		return IngestResult{}, err
	}
	id := domain.ScanID(cmd.JobID)
	out := IngestResult{ScanID: id, Mirror: status}

	scan, created, err := s.ensureScan(ctx, id, cmd)
	if err != nil {
		return IngestResult{}, err
	}
	out.Created = created
	out.Status = scan.Status

	now := s.now()
	progress := &domain.Progress{ScanID: id, Status: status, UpdatedAt: now}
	if status.Terminal() {
		progress.CompletedAt = &now
		progress.PayloadKey = s.archive(ctx, scan, status, cmd.Raw)
	}
	if err := s.Repo.UpsertProgress(ctx, progress); err != nil {
		return IngestResult{}, fmt.Errorf("record progress: %w", err)
	}
	slog.InfoContext(ctx, "Worker progress recorded.",
		slog.String("scan_id", string(id)), slog.String("progress", string(status)), slog.Bool("created", created))

	// The delivery is acknowledged from here on; finish even if the worker hangs up.
	ctx = context.WithoutCancel(ctx)
	switch status {
	case domain.ProgressRunning:
		ok, err := s.Repo.MarkRunning(ctx, id, now)
		if err != nil {
			slog.WarnContext(ctx, "Marking scan running failed.", slog.String("scan_id", string(id)), slog.String("error", err.Error()))
			break
		}
		if ok {
			out.Applied = true
			out.Status = domain.StatusRunning
			s.publish(ctx, id, domain.TerminateResult{Status: domain.StatusRunning, TenantID: scan.TenantID}, "running")
		}
	case domain.ProgressCompleted, domain.ProgressFailed:
		settled := s.settle(ctx, scan, status, cmd.Raw, strings.TrimSpace(cmd.Error))
		out.Applied = settled.Applied
		out.Status = settled.Status
		out.Findings = len(settled.Findings)
	}
	return out, nil
}

// ensureScan returns the record for id, creating it for deliveries the
// dispatcher never saw.
func (s *Service) ensureScan(ctx context.Context, id domain.ScanID, cmd IngestCommand) (*domain.Scan, bool, error) {
	scan, err := s.Repo.Get(ctx, id)
	if err == nil {
		return scan, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("load scan: %w", err)
	}

	kind := domain.Kind(strings.ToLower(strings.TrimSpace(cmd.Kind)))
	if !kind.Valid() {
		kind = domain.KindCombined
	}
	now := s.now()
	scan = &domain.Scan{
		ID:        id,
		TenantID:  domain.SanitizeID(cmd.WorkspaceID),
		OwnerID:   domain.SanitizeID(cmd.UserID),
		Kind:      kind,
		Tool:      domain.Clip(strings.TrimSpace(cmd.Tool), 64),
		Target:    domain.Clip(strings.TrimSpace(cmd.Target), 320),
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.Repo.Ensure(ctx, scan)
	if err != nil {
		return nil, false, fmt.Errorf("create orphan scan: %w", err)
	}
	if !created {
		// lost a race with a concurrent delivery
		scan, err = s.Repo.Get(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("load scan: %w", err)
		}
		return scan, false, nil
	}
	slog.InfoContext(ctx, "Created scan for unknown job.", slog.String("scan_id", string(id)))
	return scan, true, nil
}

// archive stores the raw payload and returns its key, or "" when archiving is
// disabled or failed.
func (s *Service) archive(ctx context.Context, scan *domain.Scan, status domain.ProgressStatus, raw []byte) string {
	if s.Archive == nil || len(raw) == 0 {
		return ""
	}
	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	key, err := s.Archive.Put(actx, domain.PayloadKey(scan.TenantID, scan.ID, status), raw)
	if err != nil {
		slog.WarnContext(ctx, "Archiving raw payload failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
		s.audit(ctx, scanerrors.PhaseIngest, scan.TenantID, scan.ID, scan.Tool, "archiving raw payload failed", map[string]any{"error": err.Error()})
		return ""
	}
	return key
}

type settled struct {
	Applied  bool
	Status   domain.Status
	Counts   domain.SeverityCounts
	Findings []domain.Finding
}

// settle stores findings from raw and moves the scan to its terminal status.
// Nothing here is fatal to the caller.
func (s *Service) settle(ctx context.Context, scan *domain.Scan, status domain.ProgressStatus, raw []byte, message string) settled {
	out := settled{Status: scan.Status}
	if scan.Status.Terminal() {
		return out
	}

	if len(raw) > 0 {
		fs, err := domain.ParseFindings(scan.ID, raw, s.now(), s.Config.MaxFindings)
		if err != nil {
			slog.WarnContext(ctx, "Parsing findings failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
			s.audit(ctx, scanerrors.PhaseIngest, scan.TenantID, scan.ID, scan.Tool, "parsing findings failed", map[string]any{"error": err.Error()})
		} else if len(fs) > 0 {
			if _, err := s.Repo.InsertFindings(ctx, fs); err != nil {
				slog.ErrorContext(ctx, "Storing findings failed.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
				s.audit(ctx, scanerrors.PhaseIngest, scan.TenantID, scan.ID, scan.Tool, "storing findings failed", map[string]any{"error": err.Error()})
			} else {
				out.Findings = fs
			}
		}
	}

	final := domain.StatusCompleted
	if status == domain.ProgressFailed {
		final = domain.StatusFailed
		if message == "" {
			message = "worker reported failure"
		}
	}
	tr, err := s.Repo.Terminate(ctx, scan.ID, domain.Termination{Status: final, Message: domain.Clip(message, 1024), At: s.now()})
	if err != nil {
		slog.ErrorContext(ctx, "Settling scan failed; reconciler will retry.", slog.String("scan_id", string(scan.ID)), slog.String("error", err.Error()))
		return out
	}
	out.Applied = tr.Applied
	out.Status = tr.Status
	out.Counts = tr.Counts
	if tr.Applied {
		s.publish(ctx, scan.ID, tr, string(status))
	}
	return out
}
