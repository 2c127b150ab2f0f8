package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mpdex.yaml")
	doc := `
environment: dev
venues:
  edgex:
    accountId: "543210"
    stream:
      recvTimeout: 45s
      bookDepth: 50
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "543210", cfg.Venues.EdgeX.AccountID)
	require.Equal(t, 45*time.Second, cfg.Venues.EdgeX.Stream.RecvTimeout)
	require.Equal(t, 50, cfg.Venues.EdgeX.Stream.BookDepth)
	// Untouched fields keep their defaults.
	require.Equal(t, "https://pro.edgex.exchange", cfg.Venues.EdgeX.BaseURL)
	require.Equal(t, "bsc", cfg.Venues.StandX.Chain)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("EDGEX_ACCOUNT_ID", "99")
	t.Setenv("EDGEX_PRIVATE_KEY", "0xabc")
	t.Setenv("STANDX_WALLET_ADDRESS", "0xdef")
	t.Setenv("MPDEX_ENV", "staging")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "99", cfg.Venues.EdgeX.AccountID)
	require.Equal(t, "0xabc", cfg.Venues.EdgeX.PrivateKey)
	require.Equal(t, "0xdef", cfg.Venues.StandX.WalletAddress)
	require.Equal(t, EnvStaging, cfg.Environment)
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	cfg := Default()
	cfg.Environment = "space"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := Default()
	cfg.Venues.EdgeX.Stream.ReconnectMin = time.Minute
	cfg.Venues.EdgeX.Stream.ReconnectMax = time.Second
	require.Error(t, cfg.Validate())
}
