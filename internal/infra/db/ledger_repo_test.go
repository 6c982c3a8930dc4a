package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	"github.com/bryanwahyu/osintscan/internal/domain/scanerrors"
)

func TestLedgerRepository_AppendAndBalance(t *testing.T) {
	led := NewLedgerRepository(mustOpenStore(t))
	ctx := context.Background()

	ok, err := led.Append(ctx, &ledger.Entry{TenantID: tenant, Delta: 10, Reason: ledger.ReasonGrant, CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)
	// Grants are not scan-scoped, so repeats are separate movements.
	ok, err = led.Append(ctx, &ledger.Entry{TenantID: tenant, Delta: 5, Reason: ledger.ReasonGrant, CreatedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = led.Append(ctx, &ledger.Entry{TenantID: tenant, Delta: -3, Reason: ledger.ReasonScanCharge, ScanID: "s1", CreatedAt: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = led.Append(ctx, &ledger.Entry{TenantID: tenant, Delta: -3, Reason: ledger.ReasonScanCharge, ScanID: "s1", CreatedAt: t0.Add(3 * time.Second)})
	require.NoError(t, err)
	assert.False(t, ok, "scan-scoped reason is recorded once")

	bal, err := led.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(12), bal)

	charged, err := led.ChargedFor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), charged)

	charged, err = led.ChargedFor(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, charged)

	entries, err := led.List(ctx, tenant, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.ReasonScanCharge, entries[0].Reason)
	assert.Equal(t, "s1", entries[0].ScanID)
	assert.NotEmpty(t, entries[0].ID)

	bal, err = led.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestScanErrorRepository_SaveAndList(t *testing.T) {
	repo := NewScanErrorRepository(mustOpenStore(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &scanerrors.ScanError{
		TenantID: tenant, ScanID: "s1", Tool: "maigret", Phase: scanerrors.PhaseDispatch,
		Message: "worker unreachable", DetailsJSON: `{"attempt":1}`, CreatedAt: t0,
	}))
	require.NoError(t, repo.Save(ctx, &scanerrors.ScanError{
		ScanID: "s1", Phase: scanerrors.PhaseSweep, DetailsJSON: "not json", CreatedAt: t0.Add(time.Minute),
	}))

	got, err := repo.ListByScan(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, scanerrors.PhaseSweep, got[0].Phase)
	assert.Equal(t, "-", got[0].TenantID)
	assert.Equal(t, "-", got[0].Message)
	assert.JSONEq(t, `{"raw":"not json"}`, got[0].DetailsJSON)

	assert.Equal(t, "maigret", got[1].Tool)
	assert.JSONEq(t, `{"attempt":1}`, got[1].DetailsJSON)
}
