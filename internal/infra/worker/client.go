package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const (
	submitPath   = "/scan"
	maxReplySize = 16 << 20
)

// Client submits scans to the external OSINT worker over HTTP.
type Client struct {
	submitURL string
	secret    string
	buffer    time.Duration
	client    *http.Client
}

// New builds a worker client. buffer is added on top of each job's timeout
// for the transport deadline, so a slow worker and a dead network surface as
// different errors.
func New(baseURL, secret string, buffer time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse worker url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("worker url needs a scheme and host, e.g. `http://worker:9000`")
	}
	u.Path = strings.TrimRight(u.Path, "/") + submitPath
	return &Client{
		submitURL: u.String(),
		secret:    secret,
		buffer:    buffer,
		client:    &http.Client{},
	}, nil
}

type submitBody struct {
	JobID        string `json:"job_id"`
	Target       string `json:"target"`
	Tool         string `json:"tool,omitempty"`
	Kind         string `json:"kind"`
	SharedSecret string `json:"shared_secret"`
	Timeout      int    `json:"timeout"`
}

type submitReply struct {
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Summary map[string]any  `json:"summary"`
	Results json.RawMessage `json:"results"`
}

// Submit posts the job and waits for the worker's synchronous answer.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
	body, err := json.Marshal(submitBody{
		JobID:        string(req.JobID),
		Target:       req.Target,
		Tool:         req.Tool,
		Kind:         string(req.Kind),
		SharedSecret: c.secret,
		Timeout:      int(req.Timeout.Round(time.Second) / time.Second),
	})
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout+c.buffer)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.SubmitResponse{}, classify(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize+1))
	if err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// The worker already took the job; only the reply got lost.
			slog.WarnContext(ctx, "Worker reply unreadable, treating job as accepted.",
				slog.String("job_id", string(req.JobID)), slog.String("error", err.Error()))
			return accepted(req.JobID), nil
		}
		return domain.SubmitResponse{}, classify(err)
	}
	slog.DebugContext(ctx, "Worker answered.",
		slog.String("job_id", string(req.JobID)),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(raw) > maxReplySize {
			slog.WarnContext(ctx, "Worker reply too large, treating job as accepted.",
				slog.String("job_id", string(req.JobID)), slog.Int("limit", maxReplySize))
			return accepted(req.JobID), nil
		}
		return decodeReply(ctx, req.JobID, raw), nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.SubmitResponse{}, fmt.Errorf("%w: status %d", domain.ErrWorkerRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusGatewayTimeout, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable:
		// A proxy in front of the worker may answer these after the job was handed over.
		return domain.SubmitResponse{}, fmt.Errorf("%w: status %d", domain.ErrWorkerTimeout, resp.StatusCode)
	}
	return domain.SubmitResponse{}, fmt.Errorf("%w: status %d, body: %s", domain.ErrWorkerFailed, resp.StatusCode, snippet(raw))
}

func accepted(jobID domain.ScanID) domain.SubmitResponse {
	return domain.SubmitResponse{JobID: string(jobID), Status: domain.ProgressQueued}
}

// decodeReply interprets a 2xx answer. A body that is not the expected JSON
// still means the job was accepted; the webhook delivers the outcome.
func decodeReply(ctx context.Context, jobID domain.ScanID, raw []byte) domain.SubmitResponse {
	var r submitReply
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &r); err != nil {
			slog.WarnContext(ctx, "Worker reply is not JSON, treating job as accepted.",
				slog.String("job_id", string(jobID)), slog.String("body", snippet(raw)))
			return accepted(jobID)
		}
	}
	out := domain.SubmitResponse{JobID: r.JobID, Summary: r.Summary}
	if out.JobID == "" {
		out.JobID = string(jobID)
	}

	hasResults := len(r.Results) > 0 && !bytes.Equal(bytes.TrimSpace(r.Results), []byte("null"))
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "completed", "complete", "done", "success":
		out.Status = domain.ProgressCompleted
	case "failed", "error":
		out.Status = domain.ProgressFailed
	case "running", "in_progress":
		out.Status = domain.ProgressRunning
	case "":
		out.Status = domain.ProgressQueued
		if hasResults {
			out.Status = domain.ProgressCompleted
		}
	default:
		out.Status = domain.ProgressQueued
	}
	if out.Status == domain.ProgressCompleted || out.Status == domain.ProgressFailed {
		out.Results = raw
	}
	return out
}

// classify maps transport errors onto the dispatch error taxonomy. Timeouts
// stay ambiguous since the worker may still be processing the job.
func classify(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return fmt.Errorf("%w: %v", domain.ErrWorkerUnreachable, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return fmt.Errorf("%w: %v", domain.ErrWorkerUnreachable, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrWorkerTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", domain.ErrWorkerUnreachable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrWorkerFailed, err)
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
