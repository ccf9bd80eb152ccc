package config

import (
	"fmt"
	"time"

	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/kelseyhightower/envconfig"
)

const (
	mainnetUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	devnetUSDCMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr    string `envconfig:"SERVER_ADDR" default:":8080"`
	MetricsAddr   string `envconfig:"METRICS_ADDR"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	// Database configuration
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// NATS configuration
	NATSURL string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	// Solana configuration
	SolanaRPCURL    string        `envconfig:"SOLANA_RPC_URL"`
	SolanaNetwork   string        `envconfig:"SOLANA_NETWORK" default:"mainnet"`
	USDCMintAddress string        `envconfig:"USDC_MINT_ADDRESS"`
	RPCTimeout      time.Duration `envconfig:"RPC_TIMEOUT" default:"25s"`

	// Circuit breaker around RPC calls. A zero threshold disables it.
	BreakerFailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerOpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`

	// absent or error
	UnknownAccountPolicy string `envconfig:"UNKNOWN_ACCOUNT_POLICY" default:"absent"`

	// Temporal configuration
	TemporalHost      string `envconfig:"TEMPORAL_HOST" default:"localhost:7233"`
	TemporalNamespace string `envconfig:"TEMPORAL_NAMESPACE" default:"default"`
	TemporalTaskQueue string `envconfig:"TEMPORAL_TASK_QUEUE" default:"payrelay-settlement"`

	// Settlement tracking
	ConfirmationTimeout      time.Duration `envconfig:"CONFIRMATION_TIMEOUT" default:"90s"`
	ConfirmationPollInterval time.Duration `envconfig:"CONFIRMATION_POLL_INTERVAL" default:"2s"`
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if cfg.USDCMintAddress == "" {
		cfg.USDCMintAddress = mainnetUSDCMint
		if cfg.SolanaNetwork == "devnet" {
			cfg.USDCMintAddress = devnetUSDCMint
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	if c.SolanaNetwork != "mainnet" && c.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be 'mainnet' or 'devnet', got %q", c.SolanaNetwork))
	}

	if _, err := solanago.PublicKeyFromBase58(c.USDCMintAddress); err != nil {
		errs = append(errs, fmt.Errorf("USDC_MINT_ADDRESS is invalid: %w", err))
	}

	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPC_TIMEOUT must be positive"))
	}

	if c.BreakerFailureThreshold > 0 && c.BreakerOpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BREAKER_OPEN_TIMEOUT must be positive when the breaker is enabled"))
	}

	if _, err := solana.ParseUnknownAccountPolicy(c.UnknownAccountPolicy); err != nil {
		errs = append(errs, fmt.Errorf("UNKNOWN_ACCOUNT_POLICY: %w", err))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_NAMESPACE is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_TASK_QUEUE is required"))
	}

	if c.ConfirmationPollInterval < 500*time.Millisecond {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be at least 500ms"))
	}

	if c.ConfirmationTimeout <= c.ConfirmationPollInterval {
		errs = append(errs, fmt.Errorf("CONFIRMATION_TIMEOUT (%v) must be greater than CONFIRMATION_POLL_INTERVAL (%v)",
			c.ConfirmationTimeout, c.ConfirmationPollInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Mint returns the configured USDC mint. Call only on a validated config.
func (c *Config) Mint() solanago.PublicKey {
	return solanago.MustPublicKeyFromBase58(c.USDCMintAddress)
}

// PlannerConfig returns the transfer planner settings.
func (c *Config) PlannerConfig() solana.PlannerConfig {
	cfg := solana.DefaultPlannerConfig(c.Mint())
	if policy, err := solana.ParseUnknownAccountPolicy(c.UnknownAccountPolicy); err == nil {
		cfg.UnknownAccounts = policy
	}
	return cfg
}

// BreakerSettings returns the RPC circuit breaker settings.
func (c *Config) BreakerSettings() solana.BreakerSettings {
	return solana.BreakerSettings{
		ConsecutiveFailures: c.BreakerFailureThreshold,
		OpenTimeout:         c.BreakerOpenTimeout,
	}
}
