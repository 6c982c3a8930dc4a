package httpserver

import (
	"net/http"
	"time"

	appcredits "github.com/bryanwahyu/osintscan/internal/application/credits"
	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/middleware"
)

// sweepOptions reads ?timeoutMinutes=&limit=. The service clamps both.
func sweepOptions(req *http.Request) (appscans.SweepOptions, error) {
	minutes, err := middleware.IntParam(req, "timeoutMinutes", 0)
	if err != nil {
		return appscans.SweepOptions{}, err
	}
	limit, err := middleware.IntParam(req, "limit", 0)
	if err != nil {
		return appscans.SweepOptions{}, err
	}
	return appscans.SweepOptions{Threshold: time.Duration(minutes) * time.Minute, Limit: limit}, nil
}

// POST /v1/ops/reconcile?timeoutMinutes=60&limit=100
func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) error {
	opts, err := sweepOptions(req)
	if err != nil {
		return err
	}
	sum, err := r.scansSvc.Reconcile(req.Context(), opts)
	if err != nil {
		return err
	}
	r.metrics.Reconciled.Add(uint64(sum.Completed + sum.Failed))
	return middleware.WriteJSON(w, http.StatusOK, sum)
}

// POST /v1/ops/sweep?timeoutMinutes=2&limit=100
func (r *Router) handleSweep(w http.ResponseWriter, req *http.Request) error {
	opts, err := sweepOptions(req)
	if err != nil {
		return err
	}
	sum, err := r.scansSvc.Sweep(req.Context(), opts)
	if err != nil {
		return err
	}
	r.metrics.SweptTimeout.Add(uint64(sum.TimedOut))
	r.metrics.SweptFailed.Add(uint64(sum.Failed))
	return middleware.WriteJSON(w, http.StatusOK, sum)
}

// POST /v1/ops/credits
// Body: {"workspace_id":"...","amount":100,"note":"..."}
func (r *Router) handleGrant(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		Amount      int64  `json:"amount"`
		Note        string `json:"note"`
	}
	if err := middleware.DecodeJSON(w, req, maxRequestBytes, &body); err != nil {
		return err
	}
	op, _ := identity.OperatorFrom(req.Context())
	e, err := r.creditsSvc.Grant(req.Context(), appcredits.GrantCommand{
		WorkspaceID: body.WorkspaceID,
		Amount:      body.Amount,
		Note:        middleware.SanitizeString(body.Note),
		GrantedBy:   op.Name,
	})
	if err != nil {
		return err
	}
	return middleware.WriteJSON(w, http.StatusCreated, e)
}
