package ledger

import "context"

// Repository persists ledger entries.
type Repository interface {
	// Append inserts e. A duplicate (scan id, reason) pair is ignored and
	// reported as inserted=false.
	Append(ctx context.Context, e *Entry) (inserted bool, err error)
	Balance(ctx context.Context, tenant string) (int64, error)
	// ChargedFor returns the total charged (as a positive amount) for a scan.
	ChargedFor(ctx context.Context, scanID string) (int64, error)
	List(ctx context.Context, tenant string, limit int) ([]*Entry, error)
}
