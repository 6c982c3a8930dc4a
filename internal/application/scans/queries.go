package scans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxSummaryDays  = 365
)

// ScanView is a scan together with the worker's latest report on it.
type ScanView struct {
	*domain.Scan
	Progress *domain.Progress `json:"progress,omitempty"`
	// PayloadURL is a short-lived link to the archived raw payload.
	PayloadURL string `json:"payload_url,omitempty"`
}

// load fetches a scan the principal may read.
func (s *Service) load(ctx context.Context, p identity.Principal, id domain.ScanID) (*domain.Scan, error) {
	if err := domain.ValidateJobID(string(id)); err != nil {
		return nil, err
	}
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanView(scan.TenantID) {
		return nil, domain.ErrForbidden
	}
	return scan, nil
}

func (s *Service) Get(ctx context.Context, p identity.Principal, id domain.ScanID) (ScanView, error) {
	scan, err := s.load(ctx, p, id)
	if err != nil {
		return ScanView{}, err
	}
	prog, err := s.Repo.GetProgress(ctx, id)
	if err != nil {
		return ScanView{}, fmt.Errorf("load progress: %w", err)
	}
	view := ScanView{Scan: scan, Progress: prog}
	if prog != nil && prog.PayloadKey != "" && s.Archive != nil {
		link, err := s.Archive.PresignedURL(ctx, prog.PayloadKey, s.Config.PayloadLinkTTL)
		if err != nil {
			slog.WarnContext(ctx, "Presigning payload failed.", slog.String("scan_id", string(id)), slog.String("error", err.Error()))
		} else {
			view.PayloadURL = link
		}
	}
	return view, nil
}

// List returns the workspace's scans newest first. before is an exclusive
// cursor taken from a previous page.
func (s *Service) List(ctx context.Context, p identity.Principal, before time.Time, limit int) (domain.Page, error) {
	if p.TenantID == "" {
		return domain.Page{}, domain.ErrForbidden
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	items, err := s.Repo.Latest(ctx, p.TenantID, before, limit)
	if err != nil {
		return domain.Page{}, err
	}
	page := domain.Page{Data: items}
	if len(items) == limit {
		page.NextCursor = items[len(items)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

func (s *Service) Findings(ctx context.Context, p identity.Principal, id domain.ScanID, limit int) ([]domain.Finding, error) {
	if _, err := s.load(ctx, p, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.Config.MaxFindings {
		limit = s.Config.MaxFindings
	}
	return s.Repo.ListFindings(ctx, id, limit)
}

// Audit lists the scan's error log, newest first.
func (s *Service) Audit(ctx context.Context, p identity.Principal, id domain.ScanID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.load(ctx, p, id); err != nil {
		return nil, err
	}
	if s.Errors == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return s.Errors.ListByScan(ctx, string(id), limit)
}

// Delete removes a finished scan with its findings and progress mirror.
// Ledger entries stay: the ledger is append-only.
func (s *Service) Delete(ctx context.Context, p identity.Principal, id domain.ScanID) error {
	scan, err := s.load(ctx, p, id)
	if err != nil {
		return err
	}
	if !p.Owns(scan.TenantID, scan.OwnerID) {
		return domain.ErrForbidden
	}
	if !scan.Status.Terminal() {
		return domain.ErrNotTerminal
	}
	return s.Repo.Delete(ctx, id)
}

// Summary aggregates the workspace's scans over the last days.
func (s *Service) Summary(ctx context.Context, p identity.Principal, days int) (domain.Summary, error) {
	if p.TenantID == "" {
		return domain.Summary{}, domain.ErrForbidden
	}
	if days <= 0 {
		days = 30
	}
	if days > maxSummaryDays {
		days = maxSummaryDays
	}
	return s.Repo.Summary(ctx, p.TenantID, s.now().AddDate(0, 0, -days))
}
