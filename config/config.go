package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the node's file-backed configuration.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	NetworkName string `toml:"NetworkName"`
	// RPCRequestsPerMinute caps mutating JSON-RPC calls per client; zero
	// disables the limit.
	RPCRequestsPerMinute uint32 `toml:"RPCRequestsPerMinute"`

	Vault        Vault        `toml:"vault"`
	Integrations Integrations `toml:"integrations"`
	Pauses       Pauses       `toml:"pauses"`
}

// Vault holds governance-controlled engine parameters applied at startup.
type Vault struct {
	// ReserveAddress receives liquidation repayments and settlement fees.
	ReserveAddress string `toml:"ReserveAddress"`
	// AdminAddress may update vault configurations at runtime.
	AdminAddress     string `toml:"AdminAddress"`
	SettlementFeeBps uint64 `toml:"SettlementFeeBps"`
}

// Integrations points the engine at its external execution services.
type Integrations struct {
	ExecutorURL         string `toml:"ExecutorURL"`
	StrategyURL         string `toml:"StrategyURL"`
	QuoteOracleURL      string `toml:"QuoteOracleURL"`
	CollateralOracleURL string `toml:"CollateralOracleURL"`
	RequestTimeoutMs    uint64 `toml:"RequestTimeoutMs"`
	AuthToken           string `toml:"AuthToken"`
}

// Pauses suspends state transitions per module while leaving reads and
// settlement available.
type Pauses struct {
	Vault bool `toml:"Vault"`
}

// IsPaused reports whether the named module's mutating operations are
// suspended.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "vault":
		return p.Vault
	}
	return false
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded.String())
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPCAddress == "" {
		c.RPCAddress = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./termchain-data"
	}
	if c.NetworkName == "" {
		c.NetworkName = "termchain-local"
	}
	if c.Integrations.RequestTimeoutMs == 0 {
		c.Integrations.RequestTimeoutMs = 5_000
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
