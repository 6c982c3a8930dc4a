package scans_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

func (f *fixture) mirror(t *testing.T, id domain.ScanID, status domain.ProgressStatus, age time.Duration) {
	t.Helper()
	at := f.clock.Now().Add(-age)
	p := &domain.Progress{ScanID: id, Status: status, UpdatedAt: at}
	if status.Terminal() {
		p.CompletedAt = &at
	}
	require.NoError(t, f.scans.UpsertProgress(context.Background(), p))
}

func TestReconcile_ClosesDrift(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()

	drifted := f.seedPending(t, "drifted", domain.KindUsername, 90*time.Minute)
	f.addFindings(t, drifted)
	f.mirror(t, drifted, domain.ProgressCompleted, 80*time.Minute)

	young := f.seedPending(t, "young", domain.KindUsername, 30*time.Minute)
	f.mirror(t, young, domain.ProgressCompleted, 20*time.Minute)

	workerFailed := f.seedPending(t, "worker-failed", domain.KindUsername, 90*time.Minute)
	f.mirror(t, workerFailed, domain.ProgressFailed, 85*time.Minute)

	silentOld := f.seedPending(t, "silent-old", domain.KindUsername, 3*time.Hour)
	silentRecent := f.seedPending(t, "silent-recent", domain.KindUsername, 90*time.Minute)

	running := f.seedPending(t, "running", domain.KindUsername, 90*time.Minute)
	f.mirror(t, running, domain.ProgressRunning, time.Minute)

	sum, err := f.svc.Reconcile(ctx, app.SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Checked, "only repairable scans are selected")
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Failed)
	assert.Zero(t, sum.Skipped)
	assert.Empty(t, sum.Errors)

	scan := f.get(t, drifted)
	assert.Equal(t, domain.StatusCompleted, scan.Status)
	assert.Equal(t, 2, scan.Counts.Total)
	assert.Equal(t, 5, scan.Score)

	assert.Equal(t, domain.StatusPending, f.get(t, young).Status)
	assert.Equal(t, domain.StatusFailed, f.get(t, workerFailed).Status)
	assert.Equal(t, domain.StatusPending, f.get(t, silentRecent).Status)
	assert.Equal(t, domain.StatusPending, f.get(t, running).Status)

	old := f.get(t, silentOld)
	assert.Equal(t, domain.StatusFailed, old.Status)
	assert.Equal(t, "timed out: worker never reported", old.Message)

	audit, err := f.errs.ListByScan(ctx, string(drifted), 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, scanerrors.PhaseReconcile, audit[0].Phase)
	assert.Len(t, f.events.All(), 3)

	// Reconciler never refunds.
	assert.Equal(t, int64(startup-6), f.balance(t))

	again, err := f.svc.Reconcile(ctx, app.SweepOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.Checked)
}

func TestReconcile_HeartbeatingScansDoNotCrowdOutDrift(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()

	for i, age := range []time.Duration{5 * time.Hour, 4 * time.Hour, 3 * time.Hour} {
		id := f.seedPending(t, fmt.Sprintf("long-%d", i), domain.KindUsername, age)
		f.mirror(t, id, domain.ProgressRunning, time.Minute)
	}
	drifted := f.seedPending(t, "drifted", domain.KindUsername, 90*time.Minute)
	f.mirror(t, drifted, domain.ProgressCompleted, 80*time.Minute)

	sum, err := f.svc.Reconcile(ctx, app.SweepOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checked)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, domain.StatusCompleted, f.get(t, drifted).Status)

	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.StatusPending, f.get(t, domain.ScanID(fmt.Sprintf("long-%d", i))).Status)
	}
}

func TestReconcile_Overrides(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.mirror(t, f.seedPending(t, id, domain.KindUsername, 10*time.Minute), domain.ProgressCompleted, 9*time.Minute)
	}

	// Default drift is an hour: nothing is old enough.
	sum, err := f.svc.Reconcile(ctx, app.SweepOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)

	// A one-second override clamps to the minimum drift and a batch of two.
	sum, err = f.svc.Reconcile(ctx, app.SweepOptions{Threshold: time.Second, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 2, sum.Completed)

	sum, err = f.svc.Reconcile(ctx, app.SweepOptions{Threshold: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
}

func TestReconcile_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, queuedWorker())
	f.mirror(t, f.seedPending(t, "x", domain.KindUsername, 2*time.Hour), domain.ProgressCompleted, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Reconcile(ctx, app.SweepOptions{})
	require.Error(t, err)
}
