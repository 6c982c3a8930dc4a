package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/osintscan/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "server:\n  addr: \":9090\"\n"))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "sqlite", cfg.Database.Dialect)
	require.Equal(t, 10*time.Second, cfg.Worker.MinTimeout)
	require.Equal(t, 120*time.Second, cfg.Worker.MaxTimeout)
	require.Equal(t, 5*time.Second, cfg.Worker.Buffer)
	require.Equal(t, 50, cfg.RefundPercent())
	require.Equal(t, 15*time.Minute, cfg.Minio.PresignTTL)
	require.Equal(t, time.Hour, cfg.Reconcile.DriftThreshold)
	require.Equal(t, 2*time.Hour, cfg.Reconcile.FailThreshold)
	require.Equal(t, 2*time.Minute, cfg.Sweep.Timeout)
	require.Equal(t, "@every 1m", cfg.Sweep.Schedule)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_DurationsAndClamps(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
worker:
  minTimeout: 2s
  maxTimeout: 30s
sweep:
  timeout: 5h
  limit: 100000
reconcile:
  driftThreshold: 1m
  failThreshold: 10m
`))
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Worker.MinTimeout)
	require.Equal(t, 30*time.Second, cfg.Worker.MaxTimeout)
	require.Equal(t, config.MaxSweepTimeout, cfg.Sweep.Timeout)
	require.Equal(t, config.MaxLimit, cfg.Sweep.Limit)
	require.Equal(t, config.MinDrift, cfg.Reconcile.DriftThreshold)
}

func TestLoad_EnvSecretsOverride(t *testing.T) {
	t.Setenv("RESULTS_TOKEN", "from-env")
	t.Setenv("OPS_SECRET", "ops-env")
	cfg, err := config.Load(writeConfig(t, "webhook:\n  resultsToken: from-file\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Webhook.ResultsToken)
	require.Equal(t, "ops-env", cfg.Ops.Secret)
}

func TestLoad_Rejects(t *testing.T) {
	for _, tc := range []struct {
		scenario string
		body     string
	}{
		{scenario: "unknown dialect", body: "database:\n  dialect: oracle\n"},
		{scenario: "unknown field", body: "nonsense: true\n"},
		{scenario: "refund percent", body: "billing:\n  partialRefundPercent: 150\n"},
		{scenario: "inverted worker window", body: "worker:\n  minTimeout: 1m\n  maxTimeout: 10s\n"},
		{scenario: "negative refund percent", body: "billing:\n  partialRefundPercent: -1\n"},
		{scenario: "key without user", body: "apiKeys:\n  - key: k\n    workspaceId: 22222222-2222-4222-8222-222222222222\n"},
		{scenario: "key with bad user", body: "apiKeys:\n  - key: k\n    workspaceId: 22222222-2222-4222-8222-222222222222\n    userId: bob\n"},
		{scenario: "key with bad workspace", body: "apiKeys:\n  - key: k\n    workspaceId: acme\n    userId: 11111111-1111-4111-8111-111111111111\n"},
		{scenario: "empty key", body: "apiKeys:\n  - workspaceId: 22222222-2222-4222-8222-222222222222\n    userId: 11111111-1111-4111-8111-111111111111\n"},
	} {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_ExplicitZeroRefundPercent(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "billing:\n  partialRefundPercent: 0\n"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.RefundPercent())
}

func TestLoad_APIKeys(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
apiKeys:
  - key: member
    workspaceId: 22222222-2222-4222-8222-222222222222
    userId: 11111111-1111-4111-8111-111111111111
`))
	require.NoError(t, err)
	require.Len(t, cfg.APIKeys, 1)
	require.Equal(t, "member", cfg.APIKeys[0].Role)
}

func TestDSN(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
database:
  dialect: mysql
  host: db
  port: 3306
  user: app
  password: pw
  name: osint
`))
	require.NoError(t, err)
	require.Equal(t, "app:pw@tcp(db:3306)/osint?parseTime=true&charset=utf8mb4&loc=UTC", cfg.DSN())
}
