package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	domain "github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
)

type ScanErrorRepository struct {
	db *sqlx.DB
}

func NewScanErrorRepository(db *sqlx.DB) *ScanErrorRepository { return &ScanErrorRepository{db: db} }

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	q := r.db.Rebind(`
INSERT INTO security_scan_errors
  (tenant_id, scan_id, tool, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?)`)

	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else {
		// ensure valid json; if invalid, wrap as string field
		var js any
		if json.Unmarshal([]byte(details), &js) != nil {
			b, _ := json.Marshal(map[string]string{"raw": details})
			details = string(b)
		}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		dashIfEmpty(e.TenantID), dashIfEmpty(e.ScanID), dashIfEmpty(e.Tool), dashIfEmpty(string(e.Phase)),
		msg, details, created.UTC())
	if err != nil {
		return fmt.Errorf("save scan error: %w", err)
	}
	return nil
}

func (r *ScanErrorRepository) ListByScan(ctx context.Context, scanID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.db.Rebind(`
SELECT id, tenant_id, scan_id, tool, phase, message, details_json, created_at
FROM security_scan_errors
WHERE scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`)
	rows, err := r.db.QueryxContext(ctx, q, scanID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan errors: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScanError
	for rows.Next() {
		var e domain.ScanError
		var created time.Time
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ScanID, &e.Tool, &e.Phase, &e.Message, &e.DetailsJSON, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
