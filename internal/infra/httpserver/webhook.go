package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	ilog "github.com/bryanwahyu/osintscan/internal/log"
	"github.com/bryanwahyu/osintscan/internal/middleware"
)

type webhookBody struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary"`
	Raw         json.RawMessage `json:"raw"`
	UserID      string          `json:"user_id"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        string          `json:"kind"`
	Tool        string          `json:"tool"`
	Target      string          `json:"target"`
	Error       string          `json:"error"`
}

// failureReason prefers the top-level error, then summary.error.
func (b webhookBody) failureReason() string {
	if s := strings.TrimSpace(b.Error); s != "" {
		return s
	}
	var sum struct {
		Error string `json:"error"`
	}
	if len(b.Summary) > 0 && json.Unmarshal(b.Summary, &sum) == nil {
		return strings.TrimSpace(sum.Error)
	}
	return ""
}

// POST /v1/webhooks/results
// Header: X-Results-Token
// Body: {"job_id":"...","status":"completed","raw":{...},"summary":{...},"user_id":"...","workspace_id":"..."}
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) error {
	r.metrics.Webhooks.Add(1)
	var body webhookBody
	if err := middleware.DecodeJSON(w, req, r.opts.MaxWebhookBytes, &body); err != nil {
		r.metrics.WebhookRejected.Add(1)
		return err
	}
	ctx := ilog.ContextAttrs(req.Context(), slog.String("scan_id", body.JobID))

	res, err := r.scansSvc.Ingest(ctx, appscans.IngestCommand{
		JobID:       body.JobID,
		Status:      body.Status,
		UserID:      body.UserID,
		WorkspaceID: body.WorkspaceID,
		Kind:        body.Kind,
		Tool:        body.Tool,
		Target:      body.Target,
		Error:       body.failureReason(),
		Raw:         body.Raw,
	})
	if err != nil {
		r.metrics.WebhookRejected.Add(1)
		return err
	}
	return middleware.WriteJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		appscans.IngestResult
	}{OK: true, IngestResult: res})
}
