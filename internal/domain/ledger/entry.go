package ledger

import "time"

// Reason tags the cause of a ledger movement. A scan-scoped reason may appear
// at most once per scan.
type Reason string

const (
	ReasonScanCharge     Reason = "scan_charge"
	ReasonCancelRefund   Reason = "scan_cancel_refund"
	ReasonDispatchRefund Reason = "dispatch_refund"
	ReasonGrant          Reason = "grant"
)

// Entry is an append-only, signed credit movement. Balance is the sum of
// deltas for a workspace; entries are never updated or deleted.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"workspace_id"`
	Delta     int64          `json:"delta"`
	Reason    Reason         `json:"reason"`
	ScanID    string         `json:"scan_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
