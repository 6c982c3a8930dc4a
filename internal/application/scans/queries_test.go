package scans_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

func TestGet_WithProgress(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	res, err := f.svc.Dispatch(ctx, member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, member, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, res.ScanID, view.ID)
	require.NotNil(t, view.Progress)
	assert.Equal(t, domain.ProgressQueued, view.Progress.Status)

	// Workspace peers can read, outsiders cannot.
	_, err = f.svc.Get(ctx, stranger, res.ScanID)
	require.NoError(t, err)
	outsider := identity.Principal{UserID: owner, TenantID: other, Role: identity.RoleMember}
	_, err = f.svc.Get(ctx, outsider, res.ScanID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Get(ctx, admin, res.ScanID)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, member, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.Get(ctx, member, "bad id")
	assert.True(t, domain.IsValidation(err))
}

func TestGet_PayloadLink(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	res, err := f.svc.Dispatch(ctx, member, app.DispatchCommand{Kind: domain.KindUsername, Target: "alice"})
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, member, res.ScanID)
	require.NoError(t, err)
	assert.Empty(t, view.PayloadURL, "nothing archived yet")

	_, err = f.svc.Ingest(ctx, app.IngestCommand{JobID: string(res.ScanID), Status: "completed", Raw: []byte(twoProfiles)})
	require.NoError(t, err)
	view, err = f.svc.Get(ctx, member, res.ScanID)
	require.NoError(t, err)
	key := domain.PayloadKey(tenant, res.ScanID, domain.ProgressCompleted)
	assert.Equal(t, key, view.Progress.PayloadKey)
	assert.Equal(t, "https://archive.test/"+key+"?expires=900", view.PayloadURL)

	// A presign failure degrades to no link rather than failing the read.
	f.archive.fail = true
	view, err = f.svc.Get(ctx, member, res.ScanID)
	require.NoError(t, err)
	assert.Empty(t, view.PayloadURL)
	assert.Equal(t, domain.StatusCompleted, view.Status)
}

func TestList_Paginates(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	for i, id := range []string{"s1", "s2", "s3"} {
		f.seedPending(t, id, domain.KindUsername, time.Duration(3-i)*time.Minute)
	}

	page, err := f.svc.List(ctx, member, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, domain.ScanID("s3"), page.Data[0].ID)
	assert.Equal(t, domain.ScanID("s2"), page.Data[1].ID)
	require.NotEmpty(t, page.NextCursor)

	cursor, err := time.Parse(time.RFC3339Nano, page.NextCursor)
	require.NoError(t, err)
	next, err := f.svc.List(ctx, member, cursor, 2)
	require.NoError(t, err)
	require.Len(t, next.Data, 1)
	assert.Equal(t, domain.ScanID("s1"), next.Data[0].ID)
	assert.Empty(t, next.NextCursor)

	_, err = f.svc.List(ctx, identity.Principal{UserID: owner}, time.Time{}, 2)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestFindingsAndAudit(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	id := f.seedPending(t, "q1", domain.KindUsername, time.Minute)
	_, err := f.svc.Ingest(ctx, app.IngestCommand{JobID: "q1", Status: "completed", Raw: []byte(twoProfiles)})
	require.NoError(t, err)

	fs, err := f.svc.Findings(ctx, member, id, 0)
	require.NoError(t, err)
	assert.Len(t, fs, 2)

	fs, err = f.svc.Findings(ctx, member, id, 1)
	require.NoError(t, err)
	assert.Len(t, fs, 1)

	_, err = f.svc.Cancel(ctx, member, f.seedPending(t, "q2", domain.KindUsername, time.Minute))
	require.NoError(t, err)
	audit, err := f.svc.Audit(ctx, member, "q2", 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "cancelled by user", audit[0].Message)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	id := f.seedPending(t, "d1", domain.KindUsername, time.Minute)

	require.ErrorIs(t, f.svc.Delete(ctx, member, id), domain.ErrNotTerminal)

	_, err := f.svc.Ingest(ctx, app.IngestCommand{JobID: "d1", Status: "completed", Raw: []byte(twoProfiles)})
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.Delete(ctx, stranger, id), domain.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, member, id))

	_, err = f.svc.Get(ctx, member, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	// The charge stays on the ledger.
	assert.Equal(t, int64(startup-1), f.balance(t))
}

func TestSummary(t *testing.T) {
	f := newFixture(t, queuedWorker())
	ctx := context.Background()
	f.seedPending(t, "m1", domain.KindUsername, time.Hour)
	_, err := f.svc.Ingest(ctx, app.IngestCommand{JobID: "m2", Status: "completed", WorkspaceID: tenant, Raw: []byte(twoProfiles)})
	require.NoError(t, err)
	f.seedPending(t, "ancient", domain.KindUsername, 40*24*time.Hour)

	sum, err := f.svc.Summary(ctx, member, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalScans)
	assert.Equal(t, 1, sum.ByStatus[domain.StatusPending])
	assert.Equal(t, 1, sum.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 2, sum.Counts.Total)

	all, err := f.svc.Summary(ctx, member, 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalScans)
}
