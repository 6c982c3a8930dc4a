package scans_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	app "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
	"github.com/bryanwahyu/osintscan/internal/infra/db"
)

const (
	tenant  = "22222222-2222-4222-8222-222222222222"
	owner   = "11111111-1111-4111-8111-111111111111"
	other   = "33333333-3333-4333-8333-333333333333"
	startup = 100
)

var (
	member   = identity.Principal{UserID: owner, TenantID: tenant, Role: identity.RoleMember}
	stranger = identity.Principal{UserID: other, TenantID: tenant, Role: identity.RoleMember}
	admin    = identity.Principal{UserID: other, TenantID: other, Role: identity.RoleAdmin}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type workerFunc func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error)

func (f workerFunc) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
	return f(ctx, req)
}

func queuedWorker() workerFunc {
	return func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
		return domain.SubmitResponse{JobID: string(req.JobID), Status: domain.ProgressQueued}, nil
	}
}

func failingWorker(err error) workerFunc {
	return func(context.Context, domain.SubmitRequest) (domain.SubmitResponse, error) {
		return domain.SubmitResponse{}, err
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(_ context.Context, evt domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) All() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

type memArchive struct {
	mu   sync.Mutex
	objs map[string][]byte
	fail bool
}

func (a *memArchive) Put(_ context.Context, key string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errors.New("bucket unavailable")
	}
	if a.objs == nil {
		a.objs = map[string][]byte{}
	}
	a.objs[key] = data
	return key, nil
}

func (a *memArchive) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errors.New("bucket unavailable")
	}
	return fmt.Sprintf("https://archive.test/%s?expires=%d", key, int(ttl.Seconds())), nil
}

type fixture struct {
	svc     *app.Service
	scans   *db.ScanRepository
	ledger  *db.LedgerRepository
	errs    *db.ScanErrorRepository
	clock   *fakeClock
	events  *eventLog
	archive *memArchive
}

func newFixture(t *testing.T, w domain.Worker) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.SQLite, filepath.Join(t.TempDir(), "scans.db"), db.Pool{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.RunMigrations(ctx, conn))

	f := &fixture{
		scans:   db.NewScanRepository(conn),
		ledger:  db.NewLedgerRepository(conn),
		errs:    db.NewScanErrorRepository(conn),
		clock:   &fakeClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)},
		events:  &eventLog{},
		archive: &memArchive{},
	}
	f.svc = &app.Service{
		Repo:    f.scans,
		Ledger:  f.ledger,
		Worker:  w,
		Archive: f.archive,
		Events:  f.events,
		Errors:  f.errs,
		Clock:   f.clock,
		Config:  app.DefaultSettings(),
	}
	_, err = f.ledger.Append(ctx, &ledger.Entry{TenantID: tenant, Delta: startup, Reason: ledger.ReasonGrant, CreatedAt: f.clock.Now()})
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), tenant)
	require.NoError(t, err)
	return bal
}

func (f *fixture) get(t *testing.T, id domain.ScanID) *domain.Scan {
	t.Helper()
	s, err := f.scans.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// seedPending inserts a charged pending scan created age ago, without any
// worker progress.
func (f *fixture) seedPending(t *testing.T, id string, kind domain.Kind, age time.Duration) domain.ScanID {
	t.Helper()
	created := f.clock.Now().Add(-age)
	cost := f.svc.Config.Costs[kind]
	err := f.scans.Create(context.Background(), &domain.Scan{
		ID: domain.ScanID(id), TenantID: tenant, OwnerID: owner, Kind: kind, Target: "alice",
		Status: domain.StatusPending, CreatedAt: created,
	}, &ledger.Entry{TenantID: tenant, Delta: -cost, Reason: ledger.ReasonScanCharge, ScanID: id, CreatedAt: created})
	require.NoError(t, err)
	return domain.ScanID(id)
}

func (f *fixture) ledgerReasons(t *testing.T) map[ledger.Reason]int {
	t.Helper()
	entries, err := f.ledger.List(context.Background(), tenant, 500)
	require.NoError(t, err)
	out := map[ledger.Reason]int{}
	for _, e := range entries {
		out[e.Reason]++
	}
	return out
}

const twoProfiles = `{"results":[
 {"site":"github","url":"https://github.com/alice","exists":true,"severity":"medium"},
 {"site":"gitlab","url":"https://gitlab.com/alice","exists":false},
 {"site":"reddit","url":"https://reddit.com/u/alice","exists":true}
]}`
