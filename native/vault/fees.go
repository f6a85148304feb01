package vault

import (
	"encoding/hex"
	"fmt"
	"math/big"

	nativecommon "allocvault/native/common"
)

// accrue posts management and performance fees up to the current time.
// Management fee accrues continuously on total accounted assets; performance
// fee accrues on share-price gains above the high-water mark. Both scale by
// the non-exempt share fraction so exempt accounts bypass them pro rata.
// Accrued value moves from TotalAssets into the AccruedFees liability.
func (e *Engine) accrue(v *Vault) error {
	now := e.now()
	if v.LastAccrual == 0 || v.TotalSupply.Sign() == 0 {
		v.LastAccrual = now
		return nil
	}
	if v.TotalAssets.Sign() == 0 {
		return errTotalLoss
	}

	feeable, err := e.feeableShares(v)
	if err != nil {
		return err
	}

	total := big.NewInt(0)
	if v.Fees.MgmtBps > 0 && now > v.LastAccrual {
		dt := now - v.LastAccrual
		mgmt := new(big.Int).Mul(v.TotalAssets, new(big.Int).SetUint64(v.Fees.MgmtBps))
		mgmt.Mul(mgmt, big.NewInt(dt))
		mgmt.Quo(mgmt, new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)))
		total.Add(total, scaleByShares(mgmt, feeable, v.TotalSupply))
	}

	assetsAfterMgmt := new(big.Int).Sub(v.TotalAssets, total)
	if assetsAfterMgmt.Sign() > 0 {
		price := new(big.Int).Mul(assetsAfterMgmt, ray)
		price.Quo(price, v.TotalSupply)
		if price.Cmp(v.HighWaterMark) > 0 {
			if v.Fees.PerfBps > 0 {
				gain := new(big.Int).Sub(price, v.HighWaterMark)
				gain.Mul(gain, v.TotalSupply)
				gain.Quo(gain, ray)
				perf := mulBps(gain, v.Fees.PerfBps)
				total.Add(total, scaleByShares(perf, feeable, v.TotalSupply))
			}
		}
	}

	if total.Sign() > 0 {
		// Never let fee accrual itself zero the share price.
		cap := new(big.Int).Sub(v.TotalAssets, big.NewInt(1))
		if total.Cmp(cap) > 0 {
			total = cap
		}
		if total.Sign() > 0 {
			v.TotalAssets = new(big.Int).Sub(v.TotalAssets, total)
			v.AccruedFees = new(big.Int).Add(v.AccruedFees, total)
		}
	}

	price := new(big.Int).Mul(v.TotalAssets, ray)
	price.Quo(price, v.TotalSupply)
	if price.Cmp(v.HighWaterMark) > 0 {
		v.HighWaterMark = price
	}
	v.LastAccrual = now
	return nil
}

// feeableShares returns the supply excluding exempt-account balances.
func (e *Engine) feeableShares(v *Vault) (*big.Int, error) {
	feeable := new(big.Int).Set(v.TotalSupply)
	for key := range v.Exempt {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 20 {
			continue
		}
		var addr [20]byte
		copy(addr[:], raw)
		bal, err := e.balanceOf(addr)
		if err != nil {
			return nil, err
		}
		feeable.Sub(feeable, bal)
	}
	if feeable.Sign() < 0 {
		feeable = big.NewInt(0)
	}
	return feeable, nil
}

func scaleByShares(amount, part, whole *big.Int) *big.Int {
	if amount.Sign() == 0 || whole.Sign() == 0 {
		return big.NewInt(0)
	}
	if part.Cmp(whole) >= 0 {
		return amount
	}
	out := new(big.Int).Mul(amount, part)
	return out.Quo(out, whole)
}

// FlashBorrower is the fixed callback signature a flash borrower exposes. The
// callback must end with the borrowed amount plus fee repaid to the vault.
type FlashBorrower interface {
	OnFlashLoan(token string, amount, fee *big.Int, data []byte) error
}

// FlashFeeBps reports the configured flash fee.
func (e *Engine) FlashFeeBps() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	v, err := e.ensureVault()
	if err != nil {
		return 0, err
	}
	return v.Fees.FlashBps, nil
}

// FlashBorrow lends idle cash to the borrower for the duration of the
// callback, charging the flash fee. The draw and repayment are atomic: a
// callback error reverts the whole operation, leaving no partial loan state.
func (e *Engine) FlashBorrow(borrower FlashBorrower, token string, amount *big.Int, data []byte) error {
	return e.run(func() error {
		if borrower == nil {
			return fmt.Errorf("vault engine: nil flash borrower: %w", nativecommon.ErrInvalidData)
		}
		if amount == nil || amount.Sign() <= 0 {
			return errInvalidAmount
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
		if available.Cmp(amount) < 0 {
			return fmt.Errorf("vault engine: flash draw exceeds idle cash: %w", nativecommon.ErrInsufficientLiquidity)
		}
		fee := mulBps(amount, v.Fees.FlashBps)
		if err := borrower.OnFlashLoan(token, new(big.Int).Set(amount), fee, data); err != nil {
			return err
		}
		// The principal round-trips within the callback; only the fee lands.
		v.IdleCash = new(big.Int).Add(v.IdleCash, fee)
		v.AccruedFees = new(big.Int).Add(v.AccruedFees, fee)
		return e.state.PutVault(v)
	})
}
