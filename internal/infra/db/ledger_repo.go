package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
)

type LedgerRepository struct{ db *sqlx.DB }

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository { return &LedgerRepository{db: db} }

type ledgerRow struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	Delta     int64          `db:"delta"`
	Reason    string         `db:"reason"`
	ScanID    sql.NullString `db:"scan_id"`
	Meta      string         `db:"meta"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r ledgerRow) entry() *ledger.Entry {
	e := &ledger.Entry{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Delta:     r.Delta,
		Reason:    ledger.Reason(r.Reason),
		ScanID:    r.ScanID.String,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Meta != "" && r.Meta != "{}" {
		_ = json.Unmarshal([]byte(r.Meta), &e.Meta)
	}
	return e
}

// Append inserts e. Scan-scoped entries are deduplicated on (scan_id, reason).
func (r *LedgerRepository) Append(ctx context.Context, e *ledger.Entry) (bool, error) {
	return appendEntry(ctx, r.db, e)
}

// appendEntry works on either the pool or an open transaction.
func appendEntry(ctx context.Context, q sqlx.ExtContext, e *ledger.Entry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta := "{}"
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return false, fmt.Errorf("encode ledger meta: %w", err)
		}
		meta = string(b)
	}

	stmt := `INSERT INTO ledger_entries (id, tenant_id, delta, reason, scan_id, meta, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if e.ScanID != "" {
		stmt = dialectOf(q).insertIgnore(stmt)
	}
	res, err := q.ExecContext(ctx, q.Rebind(stmt),
		e.ID, e.TenantID, e.Delta, string(e.Reason), nullString(e.ScanID), meta, e.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, tenant string) (int64, error) {
	var bal int64
	q := r.db.Rebind(`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE tenant_id = ?`)
	if err := r.db.GetContext(ctx, &bal, q, tenant); err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return bal, nil
}

func (r *LedgerRepository) ChargedFor(ctx context.Context, scanID string) (int64, error) {
	return chargedFor(ctx, r.db, scanID)
}

func chargedFor(ctx context.Context, q sqlx.ExtContext, scanID string) (int64, error) {
	var charged int64
	stmt := q.Rebind(`SELECT COALESCE(SUM(-delta), 0) FROM ledger_entries WHERE scan_id = ? AND reason = ?`)
	if err := sqlx.GetContext(ctx, q, &charged, stmt, scanID, string(ledger.ReasonScanCharge)); err != nil {
		return 0, fmt.Errorf("charged for scan: %w", err)
	}
	return charged, nil
}

// List returns the newest entries first.
func (r *LedgerRepository) List(ctx context.Context, tenant string, limit int) ([]*ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.Rebind(`
SELECT id, tenant_id, delta, reason, scan_id, meta, created_at
FROM ledger_entries
WHERE tenant_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`)
	var rows []ledgerRow
	if err := r.db.SelectContext(ctx, &rows, q, tenant, limit); err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]*ledger.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entry())
	}
	return out, nil
}
