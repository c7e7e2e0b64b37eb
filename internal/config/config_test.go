package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "trading:\n  leverage: 3\n  num_long_pos: 2\n  num_short_pos: 1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Trading.Leverage)
	assert.Equal(t, 2, cfg.Trading.NumLongPos)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.RunBudget)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.FillWait)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Reconcile.PostOnlyRetryWindow)
	assert.Equal(t, 5.0, cfg.Reconcile.NegligibleNotional)
	assert.True(t, cfg.Reconcile.CancelOpenOrdersOnStart)
	assert.Equal(t, "binanceusdm", cfg.Exchange.Name)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "trading:\n  reserve_funds: 10\n")
	t.Setenv("REBALANCER_TRADING_RESERVE_FUNDS", "250")
	t.Setenv("REBALANCER_EXCHANGE_API_KEY", "key-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250.0, cfg.Trading.ReserveFunds)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	path := writeConfig(t, "trading:\n  leverage: 0\n  num_long_pos: 0\n  num_short_pos: 0\nreconcile:\n  fill_wait: 1s\n  poll_interval: 5s\n")

	_, err := Load(path)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "trading.leverage")
	assert.Contains(t, msg, "槽位")
	assert.Contains(t, msg, "reconcile.poll_interval")
}

func TestCandidatePath(t *testing.T) {
	cfg := CandidatesConfig{PathTemplate: "data/pos{date}_v3.csv"}
	day := time.Date(2025, 3, 28, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "data/pos20250328_v3.csv", cfg.CandidatePath(day))
}
