package vault

import (
	"fmt"
	"math/big"

	nativecommon "allocvault/native/common"
)

// The allocation router is the only component that moves value between idle
// cash and positions. These hooks keep the vault's accounting identity intact
// while letting the router realize slippage gains and losses against oracle
// marks.

// InvestableIdle reports the idle cash the router may deploy: the balance net
// of earmarked claim payouts and the minimum liquidity floor.
func (e *Engine) InvestableIdle() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	v, err := e.ensureVault()
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
	available.Sub(available, v.MinLiquidity)
	available.Sub(available, v.AccruedFees)
	if available.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return available, nil
}

// RecordInvestment debits spent idle cash and credits the oracle-marked value
// of the positions entered. The difference is realized against total assets.
func (e *Engine) RecordInvestment(spent, value *big.Int) error {
	return e.run(func() error {
		if spent == nil || value == nil || spent.Sign() < 0 || value.Sign() < 0 {
			return fmt.Errorf("vault engine: invalid investment amounts: %w", nativecommon.ErrInvalidData)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
		if available.Cmp(spent) < 0 {
			return fmt.Errorf("vault engine: investment exceeds idle cash: %w", nativecommon.ErrInsufficientLiquidity)
		}
		v.IdleCash = new(big.Int).Sub(v.IdleCash, spent)
		v.Invested = new(big.Int).Add(v.Invested, value)
		delta := new(big.Int).Sub(value, spent)
		next := new(big.Int).Add(v.TotalAssets, delta)
		if v.TotalSupply.Sign() > 0 && next.Sign() <= 0 {
			return errTotalLoss
		}
		v.TotalAssets = next
		return e.state.PutVault(v)
	})
}

// RecordDivestment removes position value and credits the base tokens
// received back into idle cash, then funds any pending withdrawal requests
// the replenished liquidity now covers.
func (e *Engine) RecordDivestment(value, received *big.Int) error {
	return e.run(func() error {
		if value == nil || received == nil || value.Sign() < 0 || received.Sign() < 0 {
			return fmt.Errorf("vault engine: invalid divestment amounts: %w", nativecommon.ErrInvalidData)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		removed := minBig(new(big.Int).Set(value), v.Invested)
		v.Invested = new(big.Int).Sub(v.Invested, removed)
		v.IdleCash = new(big.Int).Add(v.IdleCash, received)
		delta := new(big.Int).Sub(received, removed)
		next := new(big.Int).Add(v.TotalAssets, delta)
		if v.TotalSupply.Sign() > 0 && next.Sign() <= 0 {
			return errTotalLoss
		}
		v.TotalAssets = next
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		return e.fundRedemptionsLocked()
	})
}

// RecordHarvest credits swapped reward proceeds to idle cash and total
// assets.
func (e *Engine) RecordHarvest(received *big.Int) error {
	return e.run(func() error {
		if received == nil || received.Sign() < 0 {
			return fmt.Errorf("vault engine: invalid harvest amount: %w", nativecommon.ErrInvalidData)
		}
		if received.Sign() == 0 {
			return nil
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		v.IdleCash = new(big.Int).Add(v.IdleCash, received)
		v.TotalAssets = new(big.Int).Add(v.TotalAssets, received)
		return e.state.PutVault(v)
	})
}

// Snapshot exposes a read-only copy of the vault record for status surfaces.
func (e *Engine) Snapshot() (*Vault, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	v, err := e.ensureVault()
	if err != nil {
		return nil, err
	}
	clone := *v
	clone.TotalSupply = new(big.Int).Set(v.TotalSupply)
	clone.TotalAssets = new(big.Int).Set(v.TotalAssets)
	clone.IdleCash = new(big.Int).Set(v.IdleCash)
	clone.Invested = new(big.Int).Set(v.Invested)
	clone.AccruedFees = new(big.Int).Set(v.AccruedFees)
	clone.ReservedPayout = new(big.Int).Set(v.ReservedPayout)
	clone.EscrowedShares = new(big.Int).Set(v.EscrowedShares)
	clone.HighWaterMark = new(big.Int).Set(v.HighWaterMark)
	clone.MinLiquidity = new(big.Int).Set(v.MinLiquidity)
	exempt := make(map[string]bool, len(v.Exempt))
	for k, val := range v.Exempt {
		exempt[k] = val
	}
	clone.Exempt = exempt
	return &clone, nil
}
