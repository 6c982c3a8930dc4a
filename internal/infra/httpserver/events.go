package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GET /v1/scans/{id}/events
// Server-Sent Events: one "snapshot" with the current record, then "status"
// events until the scan is terminal or the client leaves.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) error {
	p, err := principal(req)
	if err != nil {
		return err
	}
	id := scanID(req)
	if r.events == nil {
		return fmt.Errorf("live events are not configured")
	}

	// Subscribe before reading so nothing between the read and the stream is lost.
	ch, unsubscribe := r.events.Subscribe(id)
	defer unsubscribe()

	view, err := r.scansSvc.Get(req.Context(), p, id)
	if err != nil {
		return err
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, "snapshot", view); err != nil || view.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(w, rc, "status", evt); err != nil || evt.Status.Terminal() {
				return nil
			}
		}
	}
}

// writeEvent errors end the stream silently: headers are already sent.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	return rc.Flush()
}
