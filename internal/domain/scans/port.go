package scans

import (
	"context"
	"time"

	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
)

// RefundPolicy computes the refund for a scan being terminated, given the
// total already charged for it and the number of findings stored so far.
type RefundPolicy func(charged int64, findings int) int64

// Termination describes a terminal transition. Refund and RefundReason are
// optional; when set, the refund entry is appended in the same transaction as
// the status change.
type Termination struct {
	Status       Status
	Message      string
	At           time.Time
	Refund       RefundPolicy
	RefundReason ledger.Reason
}

// TerminateResult reports whether this caller won the race to a terminal state.
type TerminateResult struct {
	Applied  bool
	Status   Status
	Counts   SeverityCounts
	Charged  int64
	Refunded int64
	TenantID string
}

// StaleQuery selects non-terminal scans for the periodic sweeps.
type StaleQuery struct {
	CreatedBefore time.Time
	// SilentSince, when set, keeps only scans whose progress mirror is absent
	// or non-terminal and not updated since this instant.
	SilentSince *time.Time
	// Drifted keeps only scans the reconciler can settle: a completed or
	// failed mirror, or no mirror at all and created before UnreportedBefore.
	Drifted          bool
	UnreportedBefore time.Time
	Limit            int
}

// StaleScan is a non-terminal scan joined with its progress mirror, if any.
type StaleScan struct {
	ID                ScanID
	TenantID          string
	Status            Status
	CreatedAt         time.Time
	ProgressStatus    ProgressStatus
	ProgressUpdatedAt *time.Time
}

// Repository port (interface untuk persistence)
type Repository interface {
	// Create inserts a pending scan and its charge atomically.
	Create(ctx context.Context, s *Scan, charge *ledger.Entry) error
	// Ensure inserts s unless a scan with the same id exists. Reports whether it inserted.
	Ensure(ctx context.Context, s *Scan) (bool, error)
	Get(ctx context.Context, id ScanID) (*Scan, error)
	Latest(ctx context.Context, tenant string, before time.Time, limit int) ([]*Scan, error)
	Summary(ctx context.Context, tenant string, since time.Time) (Summary, error)

	// MarkRunning moves a pending scan to running. No-op for any other status.
	MarkRunning(ctx context.Context, id ScanID, at time.Time) (bool, error)
	// Terminate is the only way into a terminal status. It is a no-op when the
	// scan is already terminal.
	Terminate(ctx context.Context, id ScanID, t Termination) (TerminateResult, error)
	// Delete removes a terminal scan with its findings and progress mirror.
	Delete(ctx context.Context, id ScanID) error

	GetProgress(ctx context.Context, id ScanID) (*Progress, error)
	// UpsertProgress writes the mirror keyed by scan id, never overwriting a terminal mirror status.
	UpsertProgress(ctx context.Context, p *Progress) error

	// InsertFindings inserts findings, ignoring ids that already exist. Returns the number inserted.
	InsertFindings(ctx context.Context, fs []Finding) (int, error)
	ListFindings(ctx context.Context, id ScanID, limit int) ([]Finding, error)

	ListStale(ctx context.Context, q StaleQuery) ([]StaleScan, error)
}

// Summary aggregates a tenant's scans over a window.
type Summary struct {
	TotalScans int            `json:"total_scans"`
	ByStatus   map[Status]int `json:"by_status"`
	Counts     SeverityCounts `json:"counts"`
}

// SubmitRequest is sent to the external worker.
type SubmitRequest struct {
	JobID   ScanID
	Kind    Kind
	Tool    string
	Target  string
	Timeout time.Duration
}

// SubmitResponse is the worker's synchronous answer.
type SubmitResponse struct {
	JobID   string
	Status  ProgressStatus
	Summary map[string]any
	Results []byte
}

// Worker port (interface untuk eksekusi scan di worker eksternal)
type Worker interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
}

// Broadcaster publishes scan events to live subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, evt Event) error
}

// PayloadArchive port (penyimpanan raw payload webhook)
type PayloadArchive interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	// PresignedURL returns a download link for key valid for ttl.
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
