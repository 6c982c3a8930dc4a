package scanerrors

import "time"

// Phase of the lifecycle that produced the entry
type Phase string

const (
	PhaseDispatch  Phase = "dispatch"
	PhaseIngest    Phase = "ingest"
	PhaseCancel    Phase = "cancel"
	PhaseReconcile Phase = "reconcile"
	PhaseSweep     Phase = "sweep"
)

// ScanError represents a persisted audit/error entry for a scan
type ScanError struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"workspace_id"`
	ScanID      string    `json:"scan_id"`
	Tool        string    `json:"tool,omitempty"`
	Phase       Phase     `json:"phase"`
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}
