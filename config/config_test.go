package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Inputs: []InputConfig{
			{Token: "USDC", WeightBps: 6000, Decimals: 6},
			{Token: "WETH", WeightBps: 4000, Decimals: 18},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "USDC", cfg.Vault.BaseToken)
	require.Len(t, cfg.Inputs, 1)
	require.Equal(t, uint64(10_000), cfg.Inputs[0].WeightBps)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
}

func TestLoadRoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	cfg := validConfig()
	cfg.ListenAddress = ":9999"
	cfg.Vault.MgmtFeeBps = 100
	cfg.Vault.MinLiquidity = "123456789012345678901234"
	cfg.Roles.Keeper = "0x00000000000000000000000000000000000000cc"
	require.NoError(t, persist(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", loaded.ListenAddress)
	require.Equal(t, uint64(100), loaded.Vault.MgmtFeeBps)
	require.Len(t, loaded.Inputs, 2)
	require.Equal(t, "WETH", loaded.Inputs[1].Token)

	want, _ := new(big.Int).SetString("123456789012345678901234", 10)
	require.Zero(t, loaded.MinLiquidityAmount().Cmp(want))

	keeper := loaded.KeeperAddress()
	require.Equal(t, byte(0xCC), keeper[19])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*Config)
	}{
		{"fee above 10000", func(c *Config) { c.Vault.EntryFeeBps = 10_001 }},
		{"negative cooldown", func(c *Config) { c.Vault.CooldownSeconds = -1 }},
		{"malformed min liquidity", func(c *Config) { c.Vault.MinLiquidity = "1.5" }},
		{"no inputs", func(c *Config) { c.Inputs = nil }},
		{"input missing token", func(c *Config) { c.Inputs[0].Token = "" }},
		{"weights above 10000", func(c *Config) { c.Inputs[0].WeightBps = 7000 }},
		{"zero quote age", func(c *Config) { c.Oracle.MaxQuoteAgeSeconds = -5 }},
		{"bad static feed rate", func(c *Config) {
			c.Oracle.StaticFeeds = []FeedConfig{{Base: "WETH", Quote: "USDC", Rate: "zero"}}
		}},
		{"bad role address", func(c *Config) { c.Roles.Admin = "not-an-address" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateLeverageConsistency(t *testing.T) {
	cfg := validConfig()
	cfg.Leverage = LeverageConfig{Enabled: true, TargetLeverage: 300, HaircutBps: 200, PrimaryInput: 1, DebtToken: "USDC"}
	require.NoError(t, cfg.Validate())

	cfg.Leverage.TargetLeverage = 99
	require.Error(t, cfg.Validate())

	cfg.Leverage.TargetLeverage = 300
	cfg.Leverage.HaircutBps = 30_000
	require.Error(t, cfg.Validate())

	cfg.Leverage.HaircutBps = 200
	cfg.Leverage.PrimaryInput = 5
	require.Error(t, cfg.Validate())

	cfg.Leverage.PrimaryInput = 1
	cfg.Leverage.DebtToken = ""
	require.Error(t, cfg.Validate())

	// Disabled leverage skips the consistency checks entirely.
	cfg.Leverage.Enabled = false
	require.NoError(t, cfg.Validate())
}

func TestStaticFeedFractionRates(t *testing.T) {
	cfg := validConfig()
	cfg.Oracle.StaticFeeds = []FeedConfig{
		{Base: "WETH", Quote: "USDC", Rate: "3500"},
		{Base: "WBTC", Quote: "USDC", Rate: "193/3"},
	}
	require.NoError(t, cfg.Validate())
}

func TestRoleAddressesDefaultToZero(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, [20]byte{}, cfg.AdminAddress())
	require.Equal(t, [20]byte{}, cfg.KeeperAddress())
}
