package scans

import (
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Kind of identifier being scanned
type Kind string

const (
	KindUsername Kind = "username"
	KindEmail    Kind = "email"
	KindPhone    Kind = "phone"
	KindCombined Kind = "combined"
)

// Valid reports whether k is a known scan kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUsername, KindEmail, KindPhone, KindCombined:
		return true
	}
	return false
}

// Status enum
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is write-once: completed, failed, cancelled or timeout.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ActiveStatuses are the only states a terminal transition may start from.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Add increments the bucket for sev.
func (c *SeverityCounts) Add(sev Severity) { c.AddN(sev, 1) }

// AddN adds n to the bucket for sev. Unknown severities count as info.
func (c *SeverityCounts) AddN(sev Severity, n int) {
	switch sev {
	case SeverityCritical:
		c.Critical += n
	case SeverityHigh:
		c.High += n
	case SeverityMedium:
		c.Medium += n
	case SeverityLow:
		c.Low += n
	default:
		c.Info += n
	}
	c.Total += n
}

// Score is a 0..100 exposure score derived from the counts.
func (c SeverityCounts) Score() int {
	s := c.Critical*25 + c.High*10 + c.Medium*4 + c.Low*2 + c.Info
	if s > 100 {
		return 100
	}
	return s
}

// Aggregate Root: Scan (authoritative record)
type Scan struct {
	ID            ScanID         `json:"id"`
	TenantID      string         `json:"workspace_id,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Kind          Kind           `json:"kind"`
	Tool          string         `json:"tool,omitempty"`
	Target        string         `json:"target,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Status        Status         `json:"status"`
	Message       string         `json:"message,omitempty"`
	Counts        SeverityCounts `json:"counts"`
	Score         int            `json:"score"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// ProgressStatus is the worker-facing vocabulary of the progress mirror.
type ProgressStatus string

const (
	ProgressQueued    ProgressStatus = "queued"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressCancelled ProgressStatus = "cancelled"
)

// Terminal reports whether the mirror has reached a final state.
func (p ProgressStatus) Terminal() bool {
	return p == ProgressCompleted || p == ProgressFailed || p == ProgressCancelled
}

// Progress mirrors the external worker's view of a job. It is written by the
// webhook path and may lead the Scan record.
type Progress struct {
	ScanID      ScanID         `json:"scan_id"`
	Status      ProgressStatus `json:"status"`
	PayloadKey  string         `json:"payload_key,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Severity of a single finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is owned by a Scan and immutable once written.
type Finding struct {
	ID        string    `json:"id"`
	ScanID    ScanID    `json:"scan_id"`
	Provider  string    `json:"provider"`
	Category  string    `json:"category,omitempty"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is broadcast on a scan's topic whenever its state changes for live viewers.
type Event struct {
	ScanID   ScanID    `json:"scan_id"`
	TenantID string    `json:"workspace_id,omitempty"`
	Status   Status    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Refund   int64     `json:"credit_refund,omitempty"`
	At       time.Time `json:"at"`
}
