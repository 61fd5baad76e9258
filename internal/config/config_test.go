package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxSubmitAttempts)
	assert.Equal(t, 20, cfg.Pipeline.GasBufferPercent)
	assert.Equal(t, 1.5, cfg.Pipeline.HighUrgencyFactor)
	assert.True(t, cfg.Pipeline.PreferDynamicFees)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Alert.SlackWebhookURL)
	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.StuckAfter)
	assert.Equal(t, 100, cfg.Reconcile.BatchLimit)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_SUBMIT_ATTEMPTS", "5")
	t.Setenv("HIGH_URGENCY_FACTOR", "2.0")
	t.Setenv("PREFER_DYNAMIC_FEES", "false")
	t.Setenv("RECONCILE_STALE_AFTER_MIN", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.MaxSubmitAttempts)
	assert.Equal(t, 2.0, cfg.Pipeline.HighUrgencyFactor)
	assert.False(t, cfg.Pipeline.PreferDynamicFees)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.StaleAfter)
}

func TestLoad_InvalidAttemptBudget(t *testing.T) {
	t.Setenv("MAX_SUBMIT_ATTEMPTS", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "MAX_SUBMIT_ATTEMPTS")
}

func TestMaxFeePerGasWei(t *testing.T) {
	t.Setenv("MAX_FEE_PER_GAS_GWEI", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "100000000000", cfg.MaxFeePerGasWei().String())
}

func TestKeySecret_Required(t *testing.T) {
	t.Setenv("KEY_ENCRYPTION_SECRET", "")
	_, err := KeySecret()
	assert.Error(t, err)

	t.Setenv("KEY_ENCRYPTION_SECRET", "s3cret")
	secret, err := KeySecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)
}
