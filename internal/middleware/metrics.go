package middleware

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Metrics holds process-local counters exposed on /metrics.
type Metrics struct {
	RequestsTotal      atomic.Uint64
	RequestsInProgress atomic.Int64
	RequestsSuccess    atomic.Uint64
	RequestsFailed     atomic.Uint64

	Dispatches      atomic.Uint64
	DispatchQueued  atomic.Uint64
	DispatchFailed  atomic.Uint64
	Cancellations   atomic.Uint64
	Webhooks        atomic.Uint64
	WebhookRejected atomic.Uint64
	Reconciled      atomic.Uint64
	SweptTimeout    atomic.Uint64
	SweptFailed     atomic.Uint64

	StartTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{
		"requests_total":       m.RequestsTotal.Load(),
		"requests_in_progress": m.RequestsInProgress.Load(),
		"requests_success":     m.RequestsSuccess.Load(),
		"requests_failed":      m.RequestsFailed.Load(),
		"scans": map[string]any{
			"dispatched":       m.Dispatches.Load(),
			"queued":           m.DispatchQueued.Load(),
			"dispatch_failed":  m.DispatchFailed.Load(),
			"cancelled":        m.Cancellations.Load(),
			"webhooks":         m.Webhooks.Load(),
			"webhooks_invalid": m.WebhookRejected.Load(),
			"reconciled":       m.Reconciled.Load(),
			"swept_timeout":    m.SweptTimeout.Load(),
			"swept_failed":     m.SweptFailed.Load(),
		},
		"uptime_seconds": time.Since(m.StartTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
			"num_gc":            mem.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// Middleware tracks request counters.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsTotal.Add(1)
		m.RequestsInProgress.Add(1)
		defer m.RequestsInProgress.Add(-1)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s := ww.Status(); s == 0 || (s >= 200 && s < 400) {
			m.RequestsSuccess.Add(1)
		} else {
			m.RequestsFailed.Add(1)
		}
	})
}

// Handler serves the counters as JSON.
func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	_ = WriteJSON(w, http.StatusOK, m.Snapshot())
}
