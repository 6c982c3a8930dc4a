package scans_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
	"github.com/bryanwahyu/osintscan/internal/infra/worker"
)

func TestDispatch_InlineCompletion(t *testing.T) {
	var got domain.SubmitRequest
	f := newFixture(t, workerFunc(func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
		got = req
		return domain.SubmitResponse{JobID: string(req.JobID), Status: domain.ProgressCompleted, Results: []byte(twoProfiles)}, nil
	}))

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: "Email", Target: " alice@example.com "})
	require.NoError(t, err)

	assert.False(t, res.Queued)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, int64(2), res.Cost)
	assert.Equal(t, 2, res.Counts.Total)
	assert.Equal(t, 1, res.Counts.Medium)
	assert.Equal(t, 5, res.Score)
	assert.Len(t, res.Findings, 2)

	assert.Equal(t, res.ScanID, got.JobID)
	assert.Equal(t, domain.KindEmail, got.Kind)
	assert.Equal(t, "alice@example.com", got.Target)
	assert.Equal(t, f.svc.Config.DefaultTimeout, got.Timeout)

	scan := f.get(t, res.ScanID)
	assert.Equal(t, domain.StatusCompleted, scan.Status)
	assert.Equal(t, owner, scan.OwnerID)
	assert.Equal(t, 5, scan.Score)
	assert.Equal(t, int64(startup-2), f.balance(t))

	prog, err := f.scans.GetProgress(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.NotNil(t, prog)
	assert.Equal(t, domain.ProgressCompleted, prog.Status)
	assert.Equal(t, domain.PayloadKey(tenant, res.ScanID, domain.ProgressCompleted), prog.PayloadKey)
	assert.Contains(t, f.archive.objs, prog.PayloadKey)

	evts := f.events.All()
	require.Len(t, evts, 1)
	assert.Equal(t, domain.StatusCompleted, evts[0].Status)
}

func TestDispatch_Queued(t *testing.T) {
	f := newFixture(t, queuedWorker())

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice", Tool: "Sherlock"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, domain.StatusPending, res.Status)

	scan := f.get(t, res.ScanID)
	assert.Equal(t, domain.StatusPending, scan.Status)
	assert.Equal(t, "sherlock", scan.Tool)
	assert.Equal(t, int64(startup-1), f.balance(t))

	prog, err := f.scans.GetProgress(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.NotNil(t, prog)
	assert.Equal(t, domain.ProgressQueued, prog.Status)
}

func TestDispatch_RunningAck(t *testing.T) {
	f := newFixture(t, workerFunc(func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
		return domain.SubmitResponse{JobID: string(req.JobID), Status: domain.ProgressRunning}, nil
	}))

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, domain.StatusRunning, res.Status)
	assert.Equal(t, domain.StatusRunning, f.get(t, res.ScanID).Status)
}

func TestDispatch_DefinitiveFailuresRefund(t *testing.T) {
	scenarios := []struct {
		name string
		err  error
		msg  string
	}{
		{name: "unreachable", err: fmt.Errorf("%w: connection refused", domain.ErrWorkerUnreachable), msg: "worker unreachable"},
		{name: "rejected", err: domain.ErrWorkerRejected, msg: "worker rejected dispatcher credentials"},
		{name: "worker error", err: fmt.Errorf("%w: status 500", domain.ErrWorkerFailed), msg: "worker returned an error"},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			f := newFixture(t, failingWorker(sc.err))

			res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindCombined, Target: "alice"})
			require.Error(t, err)
			assert.ErrorIs(t, err, sc.err)
			assert.Equal(t, domain.StatusFailed, res.Status)

			scan := f.get(t, res.ScanID)
			assert.Equal(t, domain.StatusFailed, scan.Status)
			assert.Equal(t, sc.msg, scan.Message)
			assert.Equal(t, int64(startup), f.balance(t))
			assert.Equal(t, 1, f.ledgerReasons(t)[ledger.ReasonDispatchRefund])

			audit, err := f.errs.ListByScan(context.Background(), string(res.ScanID), 10)
			require.NoError(t, err)
			require.Len(t, audit, 1)
			assert.Equal(t, sc.msg, audit[0].Message)
			assert.Len(t, f.events.All(), 1)
		})
	}
}

func TestDispatch_WorkerReportsFailure(t *testing.T) {
	f := newFixture(t, workerFunc(func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
		return domain.SubmitResponse{JobID: string(req.JobID), Status: domain.ProgressFailed, Summary: map[string]any{"error": "tool crashed"}}, nil
	}))

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.ErrorIs(t, err, domain.ErrWorkerFailed)
	assert.Equal(t, domain.StatusFailed, f.get(t, res.ScanID).Status)
	assert.Equal(t, int64(startup), f.balance(t))
}

func TestDispatch_TimeoutLeavesScanPending(t *testing.T) {
	timeout := fmt.Errorf("%w: context deadline exceeded", domain.ErrWorkerTimeout)

	t.Run("without correlation id", func(t *testing.T) {
		f := newFixture(t, failingWorker(timeout))
		res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
		require.ErrorIs(t, err, domain.ErrWorkerTimeout)
		assert.Equal(t, domain.StatusPending, f.get(t, res.ScanID).Status)
		// Still charged: the worker may finish.
		assert.Equal(t, int64(startup-1), f.balance(t))
		assert.Empty(t, f.events.All())
	})

	t.Run("with correlation id", func(t *testing.T) {
		f := newFixture(t, failingWorker(timeout))
		res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice", CorrelationID: "req-42"})
		require.NoError(t, err)
		assert.True(t, res.Queued)
		scan := f.get(t, res.ScanID)
		assert.Equal(t, domain.StatusPending, scan.Status)
		assert.Equal(t, "req-42", scan.CorrelationID)
	})
}

// A worker slower than the dispatch budget still gets to complete the scan
// through the webhook afterwards.
func TestDispatch_SlowWorkerCompletesViaWebhook(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := worker.New(srv.URL, "s3cret", 10*time.Millisecond)
	require.NoError(t, err)
	f := newFixture(t, client)
	f.svc.Config.MinTimeout = 20 * time.Millisecond
	f.svc.Config.DefaultTimeout = 20 * time.Millisecond
	f.svc.Config.MaxTimeout = 50 * time.Millisecond

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.ErrorIs(t, err, domain.ErrWorkerTimeout)
	require.NotEmpty(t, res.ScanID)
	assert.Equal(t, domain.StatusPending, f.get(t, res.ScanID).Status)

	in, err := f.svc.Ingest(context.Background(), app.IngestCommand{
		JobID: string(res.ScanID), Status: "completed", Raw: []byte(twoProfiles),
	})
	require.NoError(t, err)
	assert.True(t, in.Applied)
	assert.False(t, in.Created)

	scan := f.get(t, res.ScanID)
	assert.Equal(t, domain.StatusCompleted, scan.Status)
	assert.Equal(t, 2, scan.Counts.Total)
	assert.Equal(t, int64(startup-1), f.balance(t))
}

func TestDispatch_UndecodableAcknowledgementStaysQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	client, err := worker.New(srv.URL, "s3cret", 10*time.Millisecond)
	require.NoError(t, err)
	f := newFixture(t, client)

	res, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{
		Kind: domain.KindUsername, Target: "alice", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, domain.StatusPending, f.get(t, res.ScanID).Status)
	assert.Equal(t, int64(startup-1), f.balance(t))
	assert.NotContains(t, f.ledgerReasons(t), ledger.ReasonDispatchRefund)

	in, err := f.svc.Ingest(context.Background(), app.IngestCommand{
		JobID: string(res.ScanID), Status: "completed", Raw: []byte(twoProfiles),
	})
	require.NoError(t, err)
	assert.True(t, in.Applied)
	assert.Equal(t, domain.StatusCompleted, f.get(t, res.ScanID).Status)
}

func TestDispatch_InsufficientCredits(t *testing.T) {
	called := false
	f := newFixture(t, workerFunc(func(context.Context, domain.SubmitRequest) (domain.SubmitResponse, error) {
		called = true
		return domain.SubmitResponse{}, nil
	}))
	broke := identity.Principal{UserID: owner, TenantID: other, Role: identity.RoleMember}

	_, err := f.svc.Dispatch(context.Background(), broke, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.False(t, called)

	page, err := f.svc.List(context.Background(), broke, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestDispatch_Validation(t *testing.T) {
	scenarios := []struct {
		name  string
		cmd   app.DispatchCommand
		field string
	}{
		{name: "unknown kind", cmd: app.DispatchCommand{Kind: "ip", Target: "1.2.3.4"}, field: "kind"},
		{name: "empty target", cmd: app.DispatchCommand{Kind: domain.KindUsername, Target: "  "}, field: "target"},
		{name: "bad email", cmd: app.DispatchCommand{Kind: domain.KindEmail, Target: "alice@"}, field: "target"},
		{name: "bad phone", cmd: app.DispatchCommand{Kind: domain.KindPhone, Target: "12345"}, field: "target"},
		{name: "bad tool", cmd: app.DispatchCommand{Kind: domain.KindUsername, Target: "alice", Tool: "rm -rf"}, field: "tool"},
		{name: "bad correlation id", cmd: app.DispatchCommand{Kind: domain.KindUsername, Target: "alice", CorrelationID: "a b"}, field: "correlation_id"},
		{name: "negative timeout", cmd: app.DispatchCommand{Kind: domain.KindUsername, Target: "alice", Timeout: -time.Second}, field: "timeout"},
	}
	f := newFixture(t, queuedWorker())
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			_, err := f.svc.Dispatch(context.Background(), member, sc.cmd)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, sc.field, ve.Field)
		})
	}
	assert.Equal(t, int64(startup), f.balance(t))
}

func TestDispatch_RequiresWorkspace(t *testing.T) {
	f := newFixture(t, queuedWorker())
	_, err := f.svc.Dispatch(context.Background(), identity.Principal{UserID: owner}, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDispatch_PhoneIsNormalized(t *testing.T) {
	var got string
	f := newFixture(t, workerFunc(func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
		got = req.Target
		return domain.SubmitResponse{JobID: string(req.JobID), Status: domain.ProgressQueued}, nil
	}))
	_, err := f.svc.Dispatch(context.Background(), member, app.DispatchCommand{Kind: domain.KindPhone, Target: "+1 (555) 123-4567"})
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", got)
}

func TestSettings_ClampTimeout(t *testing.T) {
	s := app.DefaultSettings()
	assert.Equal(t, s.DefaultTimeout, s.ClampTimeout(0))
	assert.Equal(t, s.MinTimeout, s.ClampTimeout(time.Second))
	assert.Equal(t, s.MaxTimeout, s.ClampTimeout(time.Hour))
	assert.Equal(t, 45*time.Second, s.ClampTimeout(45*time.Second))
}
