// Package config provides centralized configuration for the hedged daemon.
// All tunable parameters live in the YAML file; protocol timing constants
// that the rebalance pipeline depends on are fixed here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed pipeline timing. These are deliberately not configurable: the
// crash-recovery reasoning in the engine assumes them.
const (
	// CheckInterval is the engine tick period.
	CheckInterval = 5 * time.Second
	// RetryTime is how long the engine waits before re-entering the retry
	// target state.
	RetryTime = 15 * time.Second
	// ActionCooldown is the grace period after broadcasting a transaction
	// before its status is polled.
	ActionCooldown = 5 * time.Second
	// MonitorInterval is the balance monitor period.
	MonitorInterval = 120 * time.Second
	// ExchangeTimeout bounds each exchange HTTP request.
	ExchangeTimeout = 5 * time.Second
)

// Config holds all configuration for the daemon.
type Config struct {
	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Exchange holds CEX credentials and endpoints.
	Exchange ExchangeConfig `yaml:"exchange"`

	// SmartChain holds the escrow-contract chain access settings.
	SmartChain SmartChainConfig `yaml:"smart_chain"`

	// Lnd holds the Bitcoin/Lightning node access settings.
	Lnd LndConfig `yaml:"lnd"`

	// TokenAddresses maps smart-chain token symbols to contract addresses.
	// ETH may be omitted and defaults to the zero address.
	TokenAddresses map[string]string `yaml:"token_addresses"`

	// Rebalance holds the trigger thresholds.
	Rebalance RebalanceConfig `yaml:"rebalance"`

	// Prices feeds the static inventory oracle: BTC value of one whole
	// token, as a decimal string (e.g. USDC: "0.000041").
	Prices map[string]string `yaml:"prices"`
}

// StorageConfig holds data directory settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ExchangeConfig holds CEX credentials.
type ExchangeConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	APIPassword string `yaml:"api_password"`

	// SmartChainName is the venue's name for the smart chain, used in
	// deposit/withdrawal chain selectors (e.g. "Solana", "ERC20").
	SmartChainName string `yaml:"smart_chain_name"`
}

// SmartChainConfig holds escrow chain access settings.
type SmartChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	EscrowAddress string `yaml:"escrow_address"`

	// SignerKey is the hot wallet private key (hex). Funds at risk are
	// bounded by one in-flight rebalance.
	SignerKey string `yaml:"signer_key"`
}

// LndConfig holds lnd REST access settings.
type LndConfig struct {
	RESTURL     string `yaml:"rest_url"`
	MacaroonHex string `yaml:"macaroon_hex"`
	TLSInsecure bool   `yaml:"tls_insecure"`

	// Network names the Bitcoin network (mainnet, testnet, signet,
	// regtest). Deposit addresses issued by the exchange are validated
	// against it before funds are committed.
	Network string `yaml:"network"`
}

// RebalanceConfig holds the trigger thresholds, both in parts-per-million.
type RebalanceConfig struct {
	// ThresholdPPM triggers a rebalance when the gap between the two
	// sides' inventory shares exceeds this many PPM.
	ThresholdPPM int64 `yaml:"threshold_ppm"`

	// AmountPPM is the fraction of the notional imbalance corrected per
	// cycle.
	AmountPPM int64 `yaml:"amount_ppm"`
}

// Default returns a config with sane defaults and empty credentials.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "~/.hedged"},
		Logging: LoggingConfig{Level: "info"},
		Exchange: ExchangeConfig{
			BaseURL:        "https://www.okx.com",
			SmartChainName: "Solana",
		},
		Lnd:            LndConfig{Network: "mainnet"},
		TokenAddresses: map[string]string{},
		Rebalance: RebalanceConfig{
			ThresholdPPM: 100000, // share gap of 10 points, i.e. a 55/45 split
			AmountPPM:    500000, // correct half the imbalance per cycle
		},
		Prices: map[string]string{},
	}
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(ExpandPath(dir), "config.yaml")
}

// Load reads the config file from dir, creating a default one if missing.
func Load(dir string) (*Config, error) {
	path := Path(dir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(dir); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads an explicitly named config file. Unlike Load it does not
// create a default when the file is missing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config file into dir.
func (c *Config) Save(dir string) error {
	expanded := ExpandPath(dir)
	if err := os.MkdirAll(expanded, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(expanded, "config.yaml"), data, 0600)
}

// Validate checks that the parts required to run are present.
func (c *Config) Validate() error {
	if c.Rebalance.ThresholdPPM <= 0 || c.Rebalance.ThresholdPPM >= 1000000 {
		return fmt.Errorf("threshold_ppm out of range: %d", c.Rebalance.ThresholdPPM)
	}
	if c.Rebalance.AmountPPM <= 0 || c.Rebalance.AmountPPM > 1000000 {
		return fmt.Errorf("amount_ppm out of range: %d", c.Rebalance.AmountPPM)
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials missing")
	}
	return nil
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
