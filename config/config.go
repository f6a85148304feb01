package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from a TOML file.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	Vault    VaultConfig    `toml:"Vault"`
	Inputs   []InputConfig  `toml:"Inputs"`
	Router   RouterConfig   `toml:"Router"`
	Oracle   OracleConfig   `toml:"Oracle"`
	Leverage LeverageConfig `toml:"Leverage"`
	Roles    RolesConfig    `toml:"Roles"`
	Keeper   KeeperConfig   `toml:"Keeper"`
}

// VaultConfig holds the fee schedule and redemption parameters.
type VaultConfig struct {
	BaseToken       string `toml:"BaseToken"`
	EntryFeeBps     uint64 `toml:"EntryFeeBps"`
	ExitFeeBps      uint64 `toml:"ExitFeeBps"`
	MgmtFeeBps      uint64 `toml:"MgmtFeeBps"`
	PerfFeeBps      uint64 `toml:"PerfFeeBps"`
	FlashFeeBps     uint64 `toml:"FlashFeeBps"`
	MinLiquidity    string `toml:"MinLiquidity"`
	CooldownSeconds int64  `toml:"CooldownSeconds"`
}

// InputConfig describes one allocation target.
type InputConfig struct {
	Token     string `toml:"Token"`
	WeightBps uint64 `toml:"WeightBps"`
	Decimals  uint8  `toml:"Decimals"`
}

// RouterConfig holds allocation tuning knobs.
type RouterConfig struct {
	SlippageBps   uint64 `toml:"SlippageBps"`
	DustThreshold string `toml:"DustThreshold"`
}

// OracleConfig bounds quote staleness and declares static fallback rates
// for pairs with no live source registered.
type OracleConfig struct {
	MaxQuoteAgeSeconds int64        `toml:"MaxQuoteAgeSeconds"`
	StaticFeeds        []FeedConfig `toml:"StaticFeeds"`
}

// FeedConfig fixes one exchange rate, written as a decimal or fraction.
type FeedConfig struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
	Rate  string `toml:"Rate"`
}

// LeverageConfig enables and parameterises the leverage overlay.
type LeverageConfig struct {
	Enabled        bool   `toml:"Enabled"`
	TargetLeverage uint64 `toml:"TargetLeverage"`
	HaircutBps     uint64 `toml:"HaircutBps"`
	PrimaryInput   int    `toml:"PrimaryInput"`
	DebtToken      string `toml:"DebtToken"`
}

// RolesConfig names the gated role addresses as 0x-prefixed hex.
type RolesConfig struct {
	Admin   string `toml:"Admin"`
	Manager string `toml:"Manager"`
	Keeper  string `toml:"Keeper"`
}

// KeeperConfig schedules the allocation and harvest loops as cron
// expressions.
type KeeperConfig struct {
	InvestSchedule  string `toml:"InvestSchedule"`
	HarvestSchedule string `toml:"HarvestSchedule"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./vault-data"
	}
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	if cfg.Vault.BaseToken == "" {
		cfg.Vault.BaseToken = "USDC"
	}
	if cfg.Vault.MinLiquidity == "" {
		cfg.Vault.MinLiquidity = "0"
	}
	if cfg.Router.DustThreshold == "" {
		cfg.Router.DustThreshold = "0"
	}
	if cfg.Oracle.MaxQuoteAgeSeconds == 0 {
		cfg.Oracle.MaxQuoteAgeSeconds = 300
	}
	if cfg.Keeper.InvestSchedule == "" {
		cfg.Keeper.InvestSchedule = "@every 15m"
	}
	if cfg.Keeper.HarvestSchedule == "" {
		cfg.Keeper.HarvestSchedule = "@every 6h"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Inputs = []InputConfig{{Token: cfg.Vault.BaseToken, WeightBps: 10_000, Decimals: 6}}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
