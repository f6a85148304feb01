package config

import (
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Validate checks the configuration for internal consistency. It runs after
// defaults are applied so every field can be checked unconditionally.
func (cfg *Config) Validate() error {
	for name, bps := range map[string]uint64{
		"EntryFeeBps": cfg.Vault.EntryFeeBps,
		"ExitFeeBps":  cfg.Vault.ExitFeeBps,
		"MgmtFeeBps":  cfg.Vault.MgmtFeeBps,
		"PerfFeeBps":  cfg.Vault.PerfFeeBps,
		"FlashFeeBps": cfg.Vault.FlashFeeBps,
		"SlippageBps": cfg.Router.SlippageBps,
	} {
		if bps > 10_000 {
			return fmt.Errorf("config: %s above 10000", name)
		}
	}
	if cfg.Vault.CooldownSeconds < 0 {
		return fmt.Errorf("config: CooldownSeconds negative")
	}
	if _, err := parseAmount(cfg.Vault.MinLiquidity); err != nil {
		return fmt.Errorf("config: MinLiquidity: %w", err)
	}
	if _, err := parseAmount(cfg.Router.DustThreshold); err != nil {
		return fmt.Errorf("config: DustThreshold: %w", err)
	}
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("config: at least one input required")
	}
	total := uint64(0)
	for i, input := range cfg.Inputs {
		if input.Token == "" {
			return fmt.Errorf("config: input %d missing token", i)
		}
		total += input.WeightBps
	}
	if total > 10_000 {
		return fmt.Errorf("config: input weights sum to %d, above 10000", total)
	}
	if cfg.Oracle.MaxQuoteAgeSeconds <= 0 {
		return fmt.Errorf("config: MaxQuoteAgeSeconds must be positive")
	}
	for i, feed := range cfg.Oracle.StaticFeeds {
		if feed.Base == "" || feed.Quote == "" {
			return fmt.Errorf("config: static feed %d missing pair", i)
		}
		rate, ok := new(big.Rat).SetString(feed.Rate)
		if !ok || rate.Sign() <= 0 {
			return fmt.Errorf("config: static feed %d rate %q not a positive number", i, feed.Rate)
		}
	}
	if cfg.Leverage.Enabled {
		if cfg.Leverage.TargetLeverage < 100 {
			return fmt.Errorf("config: TargetLeverage below 100")
		}
		if cfg.Leverage.HaircutBps >= cfg.Leverage.TargetLeverage*100 {
			return fmt.Errorf("config: HaircutBps consumes entire leverage target")
		}
		if cfg.Leverage.PrimaryInput < 0 || cfg.Leverage.PrimaryInput >= len(cfg.Inputs) {
			return fmt.Errorf("config: PrimaryInput out of range")
		}
		if cfg.Leverage.DebtToken == "" {
			return fmt.Errorf("config: DebtToken required when leverage is enabled")
		}
	}
	for name, addr := range map[string]string{
		"Admin":   cfg.Roles.Admin,
		"Manager": cfg.Roles.Manager,
		"Keeper":  cfg.Roles.Keeper,
	} {
		if addr == "" {
			continue
		}
		if !ethcommon.IsHexAddress(addr) {
			return fmt.Errorf("config: Roles.%s is not a hex address", name)
		}
	}
	return nil
}

// Role returns the named role address, zero when unset.
func parseRole(addr string) [20]byte {
	if !ethcommon.IsHexAddress(addr) {
		return [20]byte{}
	}
	return ethcommon.HexToAddress(addr)
}

// AdminAddress returns the configured admin role address.
func (cfg *Config) AdminAddress() [20]byte { return parseRole(cfg.Roles.Admin) }

// ManagerAddress returns the configured manager role address.
func (cfg *Config) ManagerAddress() [20]byte { return parseRole(cfg.Roles.Manager) }

// KeeperAddress returns the configured keeper role address.
func (cfg *Config) KeeperAddress() [20]byte { return parseRole(cfg.Roles.Keeper) }

// MinLiquidityAmount parses the configured liquidity floor.
func (cfg *Config) MinLiquidityAmount() *big.Int {
	v, err := parseAmount(cfg.Vault.MinLiquidity)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

// DustThresholdAmount parses the configured dust threshold.
func (cfg *Config) DustThresholdAmount() *big.Int {
	v, err := parseAmount(cfg.Router.DustThreshold)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}
