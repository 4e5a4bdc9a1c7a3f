package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override, e.g. LEDGERSYNC_BASE_ENDPOINT.
const EnvPrefix = "LEDGERSYNC"

// NetworkConfig holds network-level configuration for HTTP clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled" envconfig:"DELAY_ENABLED"`
	MinDelayMs   int  `json:"min_delay_ms" envconfig:"MIN_DELAY_MS"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms" envconfig:"MAX_DELAY_MS"` // Maximum delay in milliseconds
}

// Config holds all configurable parameters for the application
type Config struct {
	BaseEndpoint        string `json:"base_endpoint" envconfig:"BASE_ENDPOINT"`
	BaseWSEndpoint      string `json:"base_ws_endpoint" envconfig:"BASE_WS_ENDPOINT"`
	EphemeralEndpoint   string `json:"ephemeral_endpoint" envconfig:"EPHEMERAL_ENDPOINT"`
	EphemeralWSEndpoint string `json:"ephemeral_ws_endpoint" envconfig:"EPHEMERAL_WS_ENDPOINT"`

	KeyStorePath  string `json:"key_store_path" envconfig:"KEY_STORE_PATH"`
	KeyPassphrase string `json:"-" envconfig:"KEY_PASSPHRASE"`

	ReferenceTTLMs     int `json:"reference_ttl_ms" envconfig:"REFERENCE_TTL_MS"`
	ReferenceRefreshMs int `json:"reference_refresh_ms" envconfig:"REFERENCE_REFRESH_MS"`

	MinBalanceLamports uint64 `json:"min_balance_lamports" envconfig:"MIN_BALANCE_LAMPORTS"`
	TopUpLamports      uint64 `json:"top_up_lamports" envconfig:"TOP_UP_LAMPORTS"`
	TopUpAttempts      int    `json:"top_up_attempts" envconfig:"TOP_UP_ATTEMPTS"`
	// AllowTopUp is nil when unset; the faucet is then enabled only for dev endpoints.
	AllowTopUp *bool `json:"allow_top_up,omitempty" envconfig:"ALLOW_TOP_UP"`

	SubmitAttempts int `json:"submit_attempts" envconfig:"SUBMIT_ATTEMPTS"`
	RetryMinMs     int `json:"retry_min_ms" envconfig:"RETRY_MIN_MS"`
	RetryMaxMs     int `json:"retry_max_ms" envconfig:"RETRY_MAX_MS"`
	ConfirmMs      int `json:"confirm_ms" envconfig:"CONFIRM_MS"`

	DiceTimeoutMs    int `json:"dice_timeout_ms" envconfig:"DICE_TIMEOUT_MS"`
	CounterTimeoutMs int `json:"counter_timeout_ms" envconfig:"COUNTER_TIMEOUT_MS"`
	SessionTimeoutMs int `json:"session_timeout_ms" envconfig:"SESSION_TIMEOUT_MS"`

	// Delay between assigning an on-curve account and delegating it.
	DelegateSettleMs int `json:"delegate_settle_ms" envconfig:"DELEGATE_SETTLE_MS"`

	BaseCommitment      string `json:"base_commitment" envconfig:"BASE_COMMITMENT"`
	EphemeralCommitment string `json:"ephemeral_commitment" envconfig:"EPHEMERAL_COMMITMENT"`

	CounterProgramID string `json:"counter_program_id" envconfig:"COUNTER_PROGRAM_ID"`
	// CounterGlobal selects the single shared counter instead of one counter
	// per authority. The global counter has no session or undelegate support.
	CounterGlobal    bool   `json:"counter_global" envconfig:"COUNTER_GLOBAL"`
	DiceProgramID    string `json:"dice_program_id" envconfig:"DICE_PROGRAM_ID"`
	OracleQueue      string `json:"oracle_queue" envconfig:"ORACLE_QUEUE"`
	SessionProgramID string `json:"session_program_id" envconfig:"SESSION_PROGRAM_ID"`
	// Validator pins delegations to one ephemeral validator. Empty uses the
	// local validator for localhost endpoints and none otherwise.
	Validator string `json:"validator" envconfig:"VALIDATOR"`

	SessionTopUpLamports uint64 `json:"session_top_up_lamports" envconfig:"SESSION_TOP_UP_LAMPORTS"`
	SessionValidityMs    int    `json:"session_validity_ms" envconfig:"SESSION_VALIDITY_MS"`

	APIPort int `json:"api_port" envconfig:"API_PORT"`

	Network NetworkConfig `json:"network" envconfig:"NETWORK"`
}

// Default returns the configuration used when no config file is present.
// Values follow the devnet demo applications.
func Default() *Config {
	return &Config{
		BaseEndpoint:         "https://api.devnet.solana.com",
		BaseWSEndpoint:       "wss://api.devnet.solana.com",
		EphemeralEndpoint:    "https://devnet.magicblock.app",
		EphemeralWSEndpoint:  "wss://devnet.magicblock.app",
		KeyStorePath:         "",
		ReferenceTTLMs:       30_000,
		ReferenceRefreshMs:   20_000,
		MinBalanceLamports:   50_000_000,
		TopUpLamports:        1_000_000_000,
		TopUpAttempts:        3,
		SubmitAttempts:       3,
		RetryMinMs:           200,
		RetryMaxMs:           2_000,
		ConfirmMs:            30_000,
		DiceTimeoutMs:        2_000,
		CounterTimeoutMs:     10_000,
		SessionTimeoutMs:     7_500,
		DelegateSettleMs:     3_000,
		BaseCommitment:       "confirmed",
		EphemeralCommitment:  "processed",
		CounterProgramID:     "6nMudTUrvXh1NGDyJYHPozJRmmHxB3s9Mjp2pSQqZiZ9",
		DiceProgramID:        "5bPwgoPWz274NKgThcnPas2Mv4rSknu9JrbxzFVqU5gY",
		OracleQueue:          "5hBR571xnXppuCPveTrctfTU7tJLSN94nq7kv7FRK5Tc",
		SessionProgramID:     "KeyspM2ssCJbqUhQ4k7sveSiY4WjnYsrXkC8oDbwde5",
		SessionTopUpLamports: 500_000,
		SessionValidityMs:    3_600_000,
		APIPort:              8080,
	}
}

// Load reads and parses the config.json file. Fields missing from the file
// keep their Default values.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the default config from config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}

// LoadWithEnv loads configPath (Default when the file does not exist) and
// applies LEDGERSYNC_* environment overrides.
func LoadWithEnv(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields every component depends on.
func (c *Config) Validate() error {
	if c.BaseEndpoint == "" {
		return errors.New("base_endpoint is required")
	}
	if c.EphemeralEndpoint == "" {
		return errors.New("ephemeral_endpoint is required")
	}
	if c.ReferenceTTLMs <= 0 || c.ReferenceRefreshMs <= 0 {
		return errors.New("reference_ttl_ms and reference_refresh_ms must be positive")
	}
	if c.ReferenceRefreshMs > c.ReferenceTTLMs {
		return fmt.Errorf("reference_refresh_ms (%d) must not exceed reference_ttl_ms (%d)",
			c.ReferenceRefreshMs, c.ReferenceTTLMs)
	}
	if c.SubmitAttempts <= 0 || c.TopUpAttempts <= 0 {
		return errors.New("submit_attempts and top_up_attempts must be positive")
	}
	return nil
}

// TopUpAllowed reports whether faucet requests may be issued. Unless set
// explicitly, only endpoints that look like development clusters qualify.
func (c *Config) TopUpAllowed() bool {
	if c.AllowTopUp != nil {
		return *c.AllowTopUp
	}
	for _, marker := range []string{"dev", "test", "local", "127.0.0.1", "http://"} {
		if strings.Contains(c.BaseEndpoint, marker) {
			return true
		}
	}
	return false
}

// LocalValidator is the validator identity of a local ephemeral ledger.
const LocalValidator = "mAGicPQYBMvcYveUZA5F5UNNwyHvfYh5xkLS2Fr1mev"

// ValidatorIdentity returns the validator delegations should be pinned to,
// or "" for none.
func (c *Config) ValidatorIdentity() string {
	if c.Validator != "" {
		return c.Validator
	}
	if strings.Contains(c.BaseEndpoint, "localhost") || strings.Contains(c.BaseEndpoint, "127.0.0.1") {
		return LocalValidator
	}
	return ""
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ReferenceTTL() time.Duration     { return ms(c.ReferenceTTLMs) }
func (c *Config) ReferenceRefresh() time.Duration { return ms(c.ReferenceRefreshMs) }
func (c *Config) RetryMin() time.Duration         { return ms(c.RetryMinMs) }
func (c *Config) RetryMax() time.Duration         { return ms(c.RetryMaxMs) }
func (c *Config) ConfirmTimeout() time.Duration   { return ms(c.ConfirmMs) }
func (c *Config) DiceTimeout() time.Duration      { return ms(c.DiceTimeoutMs) }
func (c *Config) CounterTimeout() time.Duration   { return ms(c.CounterTimeoutMs) }
func (c *Config) SessionTimeout() time.Duration   { return ms(c.SessionTimeoutMs) }
func (c *Config) DelegateSettle() time.Duration   { return ms(c.DelegateSettleMs) }
func (c *Config) SessionValidity() time.Duration  { return ms(c.SessionValidityMs) }
