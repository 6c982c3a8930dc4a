package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

type ScanRepository struct {
	db      *sqlx.DB
	dialect Dialect
}

func NewScanRepository(db *sqlx.DB) *ScanRepository {
	return &ScanRepository{db: db, dialect: dialectOf(db)}
}

const scanColumns = `id, tenant_id, owner_id, kind, tool, target, correlation_id, status, message,
 critical, high, medium, low, info, findings_total, score, created_at, updated_at, completed_at`

type scanRow struct {
	ID            string         `db:"id"`
	TenantID      sql.NullString `db:"tenant_id"`
	OwnerID       sql.NullString `db:"owner_id"`
	Kind          string         `db:"kind"`
	Tool          string         `db:"tool"`
	Target        string         `db:"target"`
	CorrelationID sql.NullString `db:"correlation_id"`
	Status        string         `db:"status"`
	Message       string         `db:"message"`
	Critical      int            `db:"critical"`
	High          int            `db:"high"`
	Medium        int            `db:"medium"`
	Low           int            `db:"low"`
	Info          int            `db:"info"`
	Total         int            `db:"findings_total"`
	Score         int            `db:"score"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
}

func (r scanRow) scan() *domain.Scan {
	return &domain.Scan{
		ID:            domain.ScanID(r.ID),
		TenantID:      r.TenantID.String,
		OwnerID:       r.OwnerID.String,
		Kind:          domain.Kind(r.Kind),
		Tool:          r.Tool,
		Target:        r.Target,
		CorrelationID: r.CorrelationID.String,
		Status:        domain.Status(r.Status),
		Message:       r.Message,
		Counts: domain.SeverityCounts{
			Critical: r.Critical, High: r.High, Medium: r.Medium, Low: r.Low, Info: r.Info, Total: r.Total,
		},
		Score:       r.Score,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		CompletedAt: timePtr(r.CompletedAt),
	}
}

func insertScanArgs(s *domain.Scan) []any {
	return []any{
		string(s.ID), nullString(s.TenantID), nullString(s.OwnerID), string(s.Kind), s.Tool, s.Target,
		nullString(s.CorrelationID), string(s.Status), s.Message,
		s.Counts.Critical, s.Counts.High, s.Counts.Medium, s.Counts.Low, s.Counts.Info, s.Counts.Total, s.Score,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(), nullTime(s.CompletedAt),
	}
}

const insertScan = `INSERT INTO scans (` + scanColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func fillTimes(s *domain.Scan) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
}

// Create inserts a pending scan together with its charge.
func (r *ScanRepository) Create(ctx context.Context, s *domain.Scan, charge *ledger.Entry) error {
	fillTimes(s)
	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertScan), insertScanArgs(s)...); err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}
		if charge == nil {
			return nil
		}
		inserted, err := appendEntry(ctx, tx, charge)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("charge for scan %s already recorded", s.ID)
		}
		return nil
	})
}

func (r *ScanRepository) Ensure(ctx context.Context, s *domain.Scan) (bool, error) {
	fillTimes(s)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(r.dialect.insertIgnore(insertScan)), insertScanArgs(s)...)
	if err != nil {
		return false, fmt.Errorf("ensure scan: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return getScan(ctx, r.db, id)
}

func getScan(ctx context.Context, q sqlx.ExtContext, id domain.ScanID) (*domain.Scan, error) {
	var row scanRow
	stmt := q.Rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, stmt, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return row.scan(), nil
}

// Latest returns a tenant's scans newest first, strictly older than before
// when before is set.
func (r *ScanRepository) Latest(ctx context.Context, tenant string, before time.Time, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		sb   strings.Builder
		args = []any{tenant}
	)
	sb.WriteString(`SELECT ` + scanColumns + ` FROM scans WHERE tenant_id = ?`)
	if !before.IsZero() {
		sb.WriteString(` AND created_at < ?`)
		args = append(args, before.UTC())
	}
	sb.WriteString(` ORDER BY created_at DESC, id DESC LIMIT ?`)
	args = append(args, limit)

	var rows []scanRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(sb.String()), args...); err != nil {
		return nil, fmt.Errorf("latest scans: %w", err)
	}
	out := make([]*domain.Scan, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.scan())
	}
	return out, nil
}

func (r *ScanRepository) Summary(ctx context.Context, tenant string, since time.Time) (domain.Summary, error) {
	q := r.db.Rebind(`
SELECT status, COUNT(*) AS n,
       COALESCE(SUM(critical), 0) AS critical, COALESCE(SUM(high), 0) AS high,
       COALESCE(SUM(medium), 0) AS medium, COALESCE(SUM(low), 0) AS low,
       COALESCE(SUM(info), 0) AS info, COALESCE(SUM(findings_total), 0) AS total
FROM scans
WHERE tenant_id = ? AND created_at >= ?
GROUP BY status`)
	var rows []struct {
		Status   string `db:"status"`
		N        int    `db:"n"`
		Critical int    `db:"critical"`
		High     int    `db:"high"`
		Medium   int    `db:"medium"`
		Low      int    `db:"low"`
		Info     int    `db:"info"`
		Total    int    `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, q, tenant, since.UTC()); err != nil {
		return domain.Summary{}, fmt.Errorf("scan summary: %w", err)
	}
	sum := domain.Summary{ByStatus: map[domain.Status]int{}}
	for _, row := range rows {
		sum.TotalScans += row.N
		sum.ByStatus[domain.Status(row.Status)] = row.N
		sum.Counts.Critical += row.Critical
		sum.Counts.High += row.High
		sum.Counts.Medium += row.Medium
		sum.Counts.Low += row.Low
		sum.Counts.Info += row.Info
		sum.Counts.Total += row.Total
	}
	return sum, nil
}

func (r *ScanRepository) MarkRunning(ctx context.Context, id domain.ScanID, at time.Time) (bool, error) {
	q := r.db.Rebind(`UPDATE scans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, q, string(domain.StatusRunning), at.UTC(), string(id), string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

// Terminate moves an active scan to t.Status. Within one transaction it
// recounts findings, refreshes the severity summary and appends the refund
// the policy asks for. Losing the race reports Applied=false with the status
// that won.
func (r *ScanRepository) Terminate(ctx context.Context, id domain.ScanID, t domain.Termination) (domain.TerminateResult, error) {
	var res domain.TerminateResult
	if !t.Status.Terminal() {
		return res, fmt.Errorf("terminate scan %s: %q is not a terminal status", id, t.Status)
	}
	at := t.At.UTC()
	if t.At.IsZero() {
		at = time.Now().UTC()
	}

	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q, args, err := sqlx.In(`
UPDATE scans SET status = ?, message = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status IN (?)`,
			string(t.Status), t.Message, at, at, string(id), activeStatuses())
		if err != nil {
			return fmt.Errorf("build terminate query: %w", err)
		}
		upd, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("terminate scan: %w", err)
		}

		var cur struct {
			Status   string         `db:"status"`
			TenantID sql.NullString `db:"tenant_id"`
		}
		if err := tx.GetContext(ctx, &cur, tx.Rebind(`SELECT status, tenant_id FROM scans WHERE id = ?`), string(id)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("read scan status: %w", err)
		}
		res.Status = domain.Status(cur.Status)
		res.TenantID = cur.TenantID.String
		if rowsAffected(upd) == 0 {
			return nil
		}
		res.Applied = true

		counts, err := countFindings(ctx, tx, id)
		if err != nil {
			return err
		}
		res.Counts = counts
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE scans SET critical = ?, high = ?, medium = ?, low = ?, info = ?, findings_total = ?, score = ?
WHERE id = ?`),
			counts.Critical, counts.High, counts.Medium, counts.Low, counts.Info, counts.Total, counts.Score(),
			string(id)); err != nil {
			return fmt.Errorf("update scan counts: %w", err)
		}

		if t.Status == domain.StatusCancelled {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE scan_progress SET status = ?, updated_at = ?, completed_at = ?
WHERE scan_id = ? AND status NOT IN (?, ?, ?)`),
				string(domain.ProgressCancelled), at, at, string(id),
				string(domain.ProgressCompleted), string(domain.ProgressFailed), string(domain.ProgressCancelled)); err != nil {
				return fmt.Errorf("cancel progress: %w", err)
			}
		}

		if t.Refund == nil || res.TenantID == "" {
			return nil
		}
		charged, err := chargedFor(ctx, tx, string(id))
		if err != nil {
			return err
		}
		res.Charged = charged
		amount := t.Refund(charged, counts.Total)
		if amount > charged {
			amount = charged
		}
		if amount <= 0 {
			return nil
		}
		inserted, err := appendEntry(ctx, tx, &ledger.Entry{
			TenantID:  res.TenantID,
			Delta:     amount,
			Reason:    t.RefundReason,
			ScanID:    string(id),
			Meta:      map[string]any{"scan_id": string(id), "charged": charged, "findings": counts.Total, "status": string(t.Status)},
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		if inserted {
			res.Refunded = amount
		}
		return nil
	})
	if err != nil {
		return domain.TerminateResult{}, err
	}
	return res, nil
}

func countFindings(ctx context.Context, q sqlx.ExtContext, id domain.ScanID) (domain.SeverityCounts, error) {
	var rows []struct {
		Severity string `db:"severity"`
		N        int    `db:"n"`
	}
	stmt := q.Rebind(`SELECT severity, COUNT(*) AS n FROM findings WHERE scan_id = ? GROUP BY severity`)
	if err := sqlx.SelectContext(ctx, q, &rows, stmt, string(id)); err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("count findings: %w", err)
	}
	var c domain.SeverityCounts
	for _, row := range rows {
		c.AddN(domain.Severity(row.Severity), row.N)
	}
	return c, nil
}

// Delete removes a terminal scan. Active scans are refused with ErrNotTerminal.
func (r *ScanRepository) Delete(ctx context.Context, id domain.ScanID) error {
	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status string
		if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM scans WHERE id = ?`), string(id)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("read scan status: %w", err)
		}
		if !domain.Status(status).Terminal() {
			return domain.ErrNotTerminal
		}
		for _, stmt := range []string{
			`DELETE FROM findings WHERE scan_id = ?`,
			`DELETE FROM scan_progress WHERE scan_id = ?`,
			`DELETE FROM scans WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), string(id)); err != nil {
				return fmt.Errorf("delete scan: %w", err)
			}
		}
		return nil
	})
}

type progressRow struct {
	ScanID      string         `db:"scan_id"`
	Status      string         `db:"status"`
	PayloadKey  sql.NullString `db:"payload_key"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

// GetProgress returns nil, nil when the worker never reported.
func (r *ScanRepository) GetProgress(ctx context.Context, id domain.ScanID) (*domain.Progress, error) {
	var row progressRow
	q := r.db.Rebind(`SELECT scan_id, status, payload_key, updated_at, completed_at FROM scan_progress WHERE scan_id = ?`)
	if err := r.db.GetContext(ctx, &row, q, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &domain.Progress{
		ScanID:      domain.ScanID(row.ScanID),
		Status:      domain.ProgressStatus(row.Status),
		PayloadKey:  row.PayloadKey.String,
		UpdatedAt:   row.UpdatedAt.UTC(),
		CompletedAt: timePtr(row.CompletedAt),
	}, nil
}

const upsertProgressStd = `
INSERT INTO scan_progress (scan_id, status, payload_key, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (scan_id) DO UPDATE SET
  status = excluded.status,
  payload_key = COALESCE(excluded.payload_key, scan_progress.payload_key),
  updated_at = excluded.updated_at,
  completed_at = excluded.completed_at
WHERE scan_progress.status NOT IN ('completed', 'failed', 'cancelled')`

// MySQL evaluates assignments left to right, so status goes last.
const upsertProgressMySQL = `
INSERT INTO scan_progress (scan_id, status, payload_key, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  payload_key = IF(status IN ('completed', 'failed', 'cancelled'), payload_key, COALESCE(VALUES(payload_key), payload_key)),
  updated_at = IF(status IN ('completed', 'failed', 'cancelled'), updated_at, VALUES(updated_at)),
  completed_at = IF(status IN ('completed', 'failed', 'cancelled'), completed_at, VALUES(completed_at)),
  status = IF(status IN ('completed', 'failed', 'cancelled'), status, VALUES(status))`

func (r *ScanRepository) UpsertProgress(ctx context.Context, p *domain.Progress) error {
	stmt := upsertProgressStd
	if r.dialect == MySQL {
		stmt = upsertProgressMySQL
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(stmt),
		string(p.ScanID), string(p.Status), nullString(p.PayloadKey), updated.UTC(), nullTime(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

const insertFinding = `INSERT INTO findings (id, scan_id, provider, category, severity, title, url, data, created_at) VALUES (?,?,?,?,?,?,?,?,?)`

func (r *ScanRepository) InsertFindings(ctx context.Context, fs []domain.Finding) (int, error) {
	if len(fs) == 0 {
		return 0, nil
	}
	var inserted int
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(r.dialect.insertIgnore(insertFinding)))
		if err != nil {
			return fmt.Errorf("prepare finding insert: %w", err)
		}
		defer stmt.Close()
		for _, f := range fs {
			created := f.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			res, err := stmt.ExecContext(ctx, f.ID, string(f.ScanID), f.Provider, f.Category, string(f.Severity),
				f.Title, f.URL, f.Data, created.UTC())
			if err != nil {
				return fmt.Errorf("insert finding %s: %w", f.ID, err)
			}
			inserted += int(rowsAffected(res))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

type findingRow struct {
	ID        string    `db:"id"`
	ScanID    string    `db:"scan_id"`
	Provider  string    `db:"provider"`
	Category  string    `db:"category"`
	Severity  string    `db:"severity"`
	Title     string    `db:"title"`
	URL       string    `db:"url"`
	Data      string    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *ScanRepository) ListFindings(ctx context.Context, id domain.ScanID, limit int) ([]domain.Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.Rebind(`
SELECT id, scan_id, provider, category, severity, title, url, data, created_at
FROM findings WHERE scan_id = ?
ORDER BY created_at ASC, id ASC
LIMIT ?`)
	var rows []findingRow
	if err := r.db.SelectContext(ctx, &rows, q, string(id), limit); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]domain.Finding, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Finding{
			ID:        row.ID,
			ScanID:    domain.ScanID(row.ScanID),
			Provider:  row.Provider,
			Category:  row.Category,
			Severity:  domain.Severity(row.Severity),
			Title:     row.Title,
			URL:       row.URL,
			Data:      row.Data,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// activeStatuses lists the states a terminal transition may start from.
func activeStatuses() []string {
	out := make([]string, len(domain.ActiveStatuses))
	for i, st := range domain.ActiveStatuses {
		out[i] = string(st)
	}
	return out
}

// ListStale returns active scans created before q.CreatedBefore, oldest first.
func (r *ScanRepository) ListStale(ctx context.Context, q domain.StaleQuery) ([]domain.StaleScan, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var sb strings.Builder
	sb.WriteString(`
SELECT s.id, s.tenant_id, s.status, s.created_at, p.status AS progress_status, p.updated_at AS progress_updated_at
FROM scans s
LEFT JOIN scan_progress p ON p.scan_id = s.id
WHERE s.status IN (?) AND s.created_at < ?`)
	args := []any{activeStatuses(), q.CreatedBefore.UTC()}
	if q.SilentSince != nil {
		sb.WriteString(` AND (p.scan_id IS NULL OR (p.status IN (?, ?) AND p.updated_at < ?))`)
		args = append(args, string(domain.ProgressQueued), string(domain.ProgressRunning), q.SilentSince.UTC())
	}
	if q.Drifted {
		sb.WriteString(` AND (p.status IN (?, ?) OR (p.scan_id IS NULL AND s.created_at < ?))`)
		args = append(args, string(domain.ProgressCompleted), string(domain.ProgressFailed), q.UnreportedBefore.UTC())
	}
	sb.WriteString(` ORDER BY s.created_at ASC, s.id ASC LIMIT ?`)
	args = append(args, limit)

	stmt, args, err := sqlx.In(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("build stale query: %w", err)
	}

	var rows []struct {
		ID                string         `db:"id"`
		TenantID          sql.NullString `db:"tenant_id"`
		Status            string         `db:"status"`
		CreatedAt         time.Time      `db:"created_at"`
		ProgressStatus    sql.NullString `db:"progress_status"`
		ProgressUpdatedAt sql.NullTime   `db:"progress_updated_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("list stale scans: %w", err)
	}
	out := make([]domain.StaleScan, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.StaleScan{
			ID:                domain.ScanID(row.ID),
			TenantID:          row.TenantID.String,
			Status:            domain.Status(row.Status),
			CreatedAt:         row.CreatedAt.UTC(),
			ProgressStatus:    domain.ProgressStatus(row.ProgressStatus.String),
			ProgressUpdatedAt: timePtr(row.ProgressUpdatedAt),
		})
	}
	return out, nil
}
