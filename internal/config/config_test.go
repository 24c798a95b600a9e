package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.AuthSecret, "expected empty AUTH_SECRET when unset")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SETTLEMENT_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Address())
	require.Equal(t, SettlementModeAuto, cfg.SettlementMode)
	require.False(t, cfg.AllowNegativeStock)
	require.Equal(t, 5*time.Second, cfg.StoreTimeout)
	require.InDelta(t, 0.01, cfg.SettlementEpsilon, 1e-9)
}

func TestLoadRejectsUnknownSettlementMode(t *testing.T) {
	t.Setenv("SETTLEMENT_MODE", "optimistic")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsStockPolicy(t *testing.T) {
	t.Setenv("ALLOW_NEGATIVE_STOCK", "true")
	t.Setenv("SETTLEMENT_MODE", "SAGA")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AllowNegativeStock)
	require.Equal(t, SettlementModeSaga, cfg.SettlementMode)
}
