package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
	ilog "github.com/bryanwahyu/osintscan/internal/log"
	"github.com/bryanwahyu/osintscan/internal/middleware"
)

type queuedResponse struct {
	ScanID  domain.ScanID `json:"scan_id"`
	Status  string        `json:"status"`
	PollURL string        `json:"poll_url"`
}

// POST /v1/scans
// Body: {"kind":"username","target":"alice","tool":"","correlation_id":"","timeout_seconds":30}
func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	var body struct {
		Kind           string `json:"kind"`
		Target         string `json:"target"`
		Tool           string `json:"tool"`
		CorrelationID  string `json:"correlation_id"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := middleware.DecodeJSON(w, req, maxRequestBytes, &body); err != nil {
		return err
	}
	if body.TimeoutSeconds < 0 {
		return domain.Invalid("timeout_seconds", "must not be negative")
	}

	r.metrics.Dispatches.Add(1)
	res, err := r.scansSvc.Dispatch(req.Context(), p, appscans.DispatchCommand{
		Kind:          domain.Kind(body.Kind),
		Target:        body.Target,
		Tool:          body.Tool,
		CorrelationID: body.CorrelationID,
		Timeout:       time.Duration(body.TimeoutSeconds) * time.Second,
	})
	if res.ScanID != "" {
		w.Header().Set("X-Scan-Id", string(res.ScanID))
	}
	if err != nil {
		if !domain.IsValidation(err) {
			r.metrics.DispatchFailed.Add(1)
		}
		return err
	}
	if res.Queued {
		r.metrics.DispatchQueued.Add(1)
		poll := "/v1/scans/" + string(res.ScanID)
		w.Header().Set("Location", poll)
		return middleware.WriteJSON(w, http.StatusAccepted, queuedResponse{ScanID: res.ScanID, Status: "queued", PollURL: poll})
	}
	return middleware.WriteJSON(w, http.StatusOK, res)
}

// GET /v1/scans?limit=20&before=<cursor>
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	limit, err := middleware.IntParam(req, "limit", 0)
	if err != nil {
		return err
	}
	before, err := middleware.TimeParam(req, "before")
	if err != nil {
		return err
	}
	page, err := r.scansSvc.List(req.Context(), p, before, limit)
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, page)
}

// GET /v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	view, err := r.scansSvc.Get(req.Context(), p, scanID(req))
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, view)
}

// DELETE /v1/scans/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	if err := r.scansSvc.Delete(req.Context(), p, scanID(req)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/scans/{id}/findings?limit=
func (r *Router) handleFindings(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	limit, err := middleware.IntParam(req, "limit", 0)
	if err != nil {
		return err
	}
	fs, err := r.scansSvc.Findings(req.Context(), p, scanID(req), limit)
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, map[string]any{"data": fs})
}

// GET /v1/scans/{id}/audit?limit=
func (r *Router) handleAudit(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	limit, err := middleware.IntParam(req, "limit", 0)
	if err != nil {
		return err
	}
	entries, err := r.scansSvc.Audit(req.Context(), p, scanID(req), limit)
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// POST /v1/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	id := scanID(req)
	if err := domain.ValidateJobID(string(id)); err != nil {
		return err
	}
	ctx := ilog.ContextAttrs(req.Context(), slog.String("scan_id", string(id)))
	res, err := r.scansSvc.Cancel(ctx, p, id)
	if err != nil {
		return err
	}
	if !res.AlreadyTerminal {
		r.metrics.Cancellations.Add(1)
	}
	return middleware.WriteJSON(w, http.StatusOK, res)
}

// POST /v1/scans/cancel
// Body: {"scan_ids":["...","..."]}
func (r *Router) handleCancelMany(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	var body struct {
		ScanIDs []domain.ScanID `json:"scan_ids"`
	}
	if err := middleware.DecodeJSON(w, req, maxRequestBytes, &body); err != nil {
		return err
	}
	items, err := r.scansSvc.CancelMany(req.Context(), p, body.ScanIDs)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Error == "" && !it.AlreadyTerminal {
			r.metrics.Cancellations.Add(1)
		}
	}
	return middleware.WriteJSON(w, http.StatusOK, map[string]any{"results": items})
}

// GET /v1/summary?days=30
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	days, err := middleware.IntParam(req, "days", 0)
	if err != nil {
		return err
	}
	sum, err := r.scansSvc.Summary(req.Context(), p, days)
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, sum)
}

// GET /v1/credits
func (r *Router) handleBalance(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	bal, err := r.creditsSvc.Balance(req.Context(), p)
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, bal)
}

// GET /v1/credits/ledger?limit=
func (r *Router) handleLedger(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	limit, err := middleware.IntParam(req, "limit", 0)
	if err != nil {
		return err
	}
	entries, err := r.creditsSvc.History(req.Context(), p, limit)
	if err != nil {
		return fmt.Errorf("credit history: %w", err)
	}
	return middleware.WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}
