package config

import (
	"os"
	"testing"
	"time"

	"github.com/brojonat/payrelay/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"SERVER_ADDR", "METRICS_ADDR", "LOG_LEVEL", "PUBLIC_BASE_URL",
	"DATABASE_URL", "NATS_URL",
	"SOLANA_RPC_URL", "SOLANA_NETWORK", "USDC_MINT_ADDRESS", "RPC_TIMEOUT",
	"BREAKER_FAILURE_THRESHOLD", "BREAKER_OPEN_TIMEOUT", "UNKNOWN_ACCOUNT_POLICY",
	"TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
	"CONFIRMATION_TIMEOUT", "CONFIRMATION_POLL_INTERVAL",
}

// clearEnv unsets every variable Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mainnet", cfg.SolanaNetwork)
	assert.Equal(t, mainnetUSDCMint, cfg.USDCMintAddress)
	assert.Equal(t, 25*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 90*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConfirmationPollInterval)
	assert.Equal(t, uint32(5), cfg.BreakerFailureThreshold)
	assert.Equal(t, "payrelay-settlement", cfg.TemporalTaskQueue)
}

func TestLoad_DevnetDefaultsMint(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("SOLANA_NETWORK", "devnet")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, devnetUSDCMint, cfg.USDCMintAddress)
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "SOLANA_RPC_URL is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("RPC_TIMEOUT", "soon")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "RPC_TIMEOUT")
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RPC_TIMEOUT", "5s")
	t.Setenv("UNKNOWN_ACCOUNT_POLICY", "error")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "0")
	t.Setenv("CONFIRMATION_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationTimeout)
	assert.Equal(t, solana.UnknownAsError, cfg.PlannerConfig().UnknownAccounts)
	assert.Zero(t, cfg.BreakerSettings().ConsecutiveFailures)
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:              "postgres://localhost/test",
		SolanaRPCURL:             "https://api.mainnet-beta.solana.com",
		SolanaNetwork:            "mainnet",
		USDCMintAddress:          mainnetUSDCMint,
		RPCTimeout:               25 * time.Second,
		BreakerFailureThreshold:  5,
		BreakerOpenTimeout:       30 * time.Second,
		UnknownAccountPolicy:     "absent",
		TemporalHost:             "localhost:7233",
		TemporalNamespace:        "default",
		TemporalTaskQueue:        "payrelay-settlement",
		ConfirmationTimeout:      90 * time.Second,
		ConfirmationPollInterval: 2 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad network", func(c *Config) { c.SolanaNetwork = "testnet" }, "SOLANA_NETWORK"},
		{"bad mint", func(c *Config) { c.USDCMintAddress = "not-a-key" }, "USDC_MINT_ADDRESS"},
		{"bad policy", func(c *Config) { c.UnknownAccountPolicy = "maybe" }, "UNKNOWN_ACCOUNT_POLICY"},
		{"breaker without timeout", func(c *Config) { c.BreakerOpenTimeout = 0 }, "BREAKER_OPEN_TIMEOUT"},
		{"poll too fast", func(c *Config) { c.ConfirmationPollInterval = 100 * time.Millisecond }, "CONFIRMATION_POLL_INTERVAL"},
		{"timeout below poll", func(c *Config) { c.ConfirmationTimeout = time.Second }, "CONFIRMATION_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlannerConfig(t *testing.T) {
	cfg := validConfig()
	pc := cfg.PlannerConfig()

	assert.Equal(t, mainnetUSDCMint, pc.Mint.String())
	assert.Equal(t, uint8(solana.USDCDecimals), pc.Decimals)
	assert.Equal(t, solana.MinFeeReserveLamports, pc.MinFeeLamports)
	assert.Equal(t, solana.UnknownAsAbsent, pc.UnknownAccounts)
}

func TestMustLoad_Panics(t *testing.T) {
	clearEnv(t)

	assert.Panics(t, func() {
		MustLoad()
	})
}
