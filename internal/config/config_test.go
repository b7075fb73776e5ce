package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STELLAR_NETWORK", "")
	t.Setenv("WALLETS", "")
	t.Setenv("ASSETS_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, model.NetworkTestnet, cfg.Stellar.Network)
	assert.Equal(t, "https://horizon-testnet.stellar.org", cfg.Stellar.HorizonURL)
	assert.Equal(t, 30*time.Second, cfg.Stellar.Timeout)
	assert.Equal(t, 4, cfg.Submit.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Indexer.Interval)
	assert.Equal(t, 200, cfg.Indexer.BatchSize)
	assert.Equal(t, "payments", cfg.Indexer.Source)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30, cfg.API.InitiatePerMinute)
	assert.Equal(t, 24*time.Hour, cfg.API.IdempotencyTTL)
	assert.Equal(t, 5*time.Minute, cfg.Wallet.ReloadInterval)
	assert.Empty(t, cfg.Wallets)

	usdc, ok := cfg.Assets.Resolve("usdc")
	require.True(t, ok)
	assert.Equal(t, usdcTestnetIssuer, usdc.Issuer)
}

func TestLoad_MainnetDefaults(t *testing.T) {
	t.Setenv("STELLAR_NETWORK", "pubnet")
	t.Setenv("HORIZON_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, model.NetworkMainnet, cfg.Stellar.Network)
	assert.Equal(t, "https://horizon.stellar.org", cfg.Stellar.HorizonURL)

	usdc, ok := cfg.Assets.Resolve("USDC")
	require.True(t, ok)
	assert.Equal(t, usdcMainnetIssuer, usdc.Issuer)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad network", env: map[string]string{"STELLAR_NETWORK": "futurenet"}},
		{name: "bad backend", env: map[string]string{"STORE_BACKEND": "sqlite"}},
		{name: "batch too large", env: map[string]string{"INDEXER_BATCH_SIZE": "201"}},
		{name: "zero attempts", env: map[string]string{"SUBMIT_MAX_ATTEMPTS": "0"}},
		{name: "zero api budget", env: map[string]string{"API_INITIATE_PER_MIN": "0"}},
		{name: "bad wallets", env: map[string]string{"WALLETS": "GONLYADDRESS"}},
		{name: "missing assets file", env: map[string]string{"ASSETS_FILE": "/nonexistent/assets.yaml"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("LUMENPAY_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("LUMENPAY_TEST_DURATION", time.Minute))

	t.Setenv("LUMENPAY_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("LUMENPAY_TEST_DURATION", time.Minute))
}

func TestParseWallets(t *testing.T) {
	seeds, err := parseWallets(" GA:user-1 , GB:user-2:2 ,")
	require.NoError(t, err)
	assert.Equal(t, []WalletSeed{
		{Address: "GA", UserID: "user-1"},
		{Address: "GB", UserID: "user-2", KYCLevel: 2},
	}, seeds)

	_, err = parseWallets("GA:user:x")
	assert.Error(t, err)
}

func TestLoadAssetRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - code: eurc
    issuer: GISSUER
kyc_limits:
  0:
    XLM: "10"
    EURC: "2.5"
  3:
    XLM: "1000"
`), 0o600))

	reg, err := LoadAssetRegistry(path, model.NetworkTestnet)
	require.NoError(t, err)

	eurc, ok := reg.Resolve("EURC")
	require.True(t, ok)
	assert.Equal(t, model.Asset{Code: "EURC", Issuer: "GISSUER"}, eurc)
	assert.True(t, reg.Known(eurc))
	assert.False(t, reg.Known(model.Asset{Code: "EURC", Issuer: "GOTHER"}))

	_, ok = reg.Resolve("USDC")
	assert.False(t, ok, "file replaces the built-in defaults")

	limit, ok := reg.Limit(0, eurc)
	require.True(t, ok)
	assert.Equal(t, model.Amount(25_000_000), limit)

	limit, ok = reg.Limit(5, model.NativeAsset())
	require.True(t, ok)
	assert.Equal(t, model.Amount(10_000_000_000), limit)

	_, ok = reg.Limit(3, eurc)
	assert.False(t, ok)
}

func TestLoadAssetRegistry_RejectsUnknownLimitAsset(t *testing.T) {
	_, err := newAssetRegistry(assetsFile{KYCLimits: map[int]map[string]string{0: {"BTC": "1"}}})
	assert.Error(t, err)

	_, err = newAssetRegistry(assetsFile{Assets: []model.Asset{{Code: "USDC"}}})
	assert.Error(t, err)
}
