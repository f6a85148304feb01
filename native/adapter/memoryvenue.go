package adapter

import (
	"fmt"
	"math/big"

	"allocvault/native/common"
)

// MemoryVenue is an in-process lending venue carrying both the supply side
// consumed through the Venue interface and a unitroller-style borrow side.
// It backs local runs and tests the way an in-memory database does for
// storage; a production deployment substitutes a protocol-specific venue.
type MemoryVenue struct {
	rates        map[string]*big.Rat
	borrows      map[string]*big.Int
	rewardTokens []string
	pending      []*big.Int
	ltvBps       uint64
}

// NewMemoryVenue constructs an empty venue with 1:1 exchange rates until
// SetRate overrides them.
func NewMemoryVenue() *MemoryVenue {
	return &MemoryVenue{
		rates:   make(map[string]*big.Rat),
		borrows: make(map[string]*big.Int),
		ltvBps:  7_500,
	}
}

// SetRate fixes the input-per-native exchange rate for a token.
func (v *MemoryVenue) SetRate(token string, rate *big.Rat) {
	if rate == nil || rate.Sign() <= 0 {
		return
	}
	v.rates[token] = new(big.Rat).Set(rate)
}

// SetCollateralFactor fixes the venue loan-to-value ratio in basis points.
func (v *MemoryVenue) SetCollateralFactor(bps uint64) {
	v.ltvBps = bps
}

// SetRewardTokens declares the reward token list and zeroes pending amounts.
func (v *MemoryVenue) SetRewardTokens(tokens []string) {
	v.rewardTokens = append([]string{}, tokens...)
	v.pending = make([]*big.Int, len(tokens))
	for i := range v.pending {
		v.pending[i] = big.NewInt(0)
	}
}

// AccrueReward adds a pending reward amount for the token at the given index.
func (v *MemoryVenue) AccrueReward(index int, amount *big.Int) {
	if index < 0 || index >= len(v.pending) || amount == nil {
		return
	}
	v.pending[index] = new(big.Int).Add(v.pending[index], amount)
}

func (v *MemoryVenue) rate(token string) *big.Rat {
	if r, ok := v.rates[token]; ok {
		return r
	}
	return big.NewRat(1, 1)
}

// Deposit mints native units for the supplied input amount.
func (v *MemoryVenue) Deposit(token string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("memory venue: deposit must be positive: %w", common.ErrInvalidData)
	}
	r := v.rate(token)
	native := new(big.Rat).Mul(new(big.Rat).SetInt(amount), new(big.Rat).Inv(r))
	return new(big.Int).Quo(native.Num(), native.Denom()), nil
}

// Redeem burns native units and releases input tokens at the current rate.
func (v *MemoryVenue) Redeem(token string, native *big.Int) (*big.Int, error) {
	if native == nil || native.Sign() <= 0 {
		return nil, fmt.Errorf("memory venue: redeem must be positive: %w", common.ErrInvalidData)
	}
	out := new(big.Rat).Mul(new(big.Rat).SetInt(native), v.rate(token))
	return new(big.Int).Quo(out.Num(), out.Denom()), nil
}

// ExchangeRate reports input units per native unit.
func (v *MemoryVenue) ExchangeRate(token string) (*big.Rat, error) {
	return new(big.Rat).Set(v.rate(token)), nil
}

// PendingRewards reports accrued rewards per reward token.
func (v *MemoryVenue) PendingRewards() ([]*big.Int, error) {
	out := make([]*big.Int, len(v.pending))
	for i, amount := range v.pending {
		out[i] = new(big.Int).Set(amount)
	}
	return out, nil
}

// ClaimRewards returns and zeroes the pending reward amounts.
func (v *MemoryVenue) ClaimRewards() ([]*big.Int, error) {
	out := make([]*big.Int, len(v.pending))
	for i, amount := range v.pending {
		out[i] = new(big.Int).Set(amount)
		v.pending[i] = big.NewInt(0)
	}
	return out, nil
}

// RewardTokens lists the reward token symbols.
func (v *MemoryVenue) RewardTokens() []string {
	return append([]string{}, v.rewardTokens...)
}

// CollateralFactorBps reports the venue loan-to-value ratio.
func (v *MemoryVenue) CollateralFactorBps(string) (uint64, error) {
	return v.ltvBps, nil
}

// Borrow draws debt in the given token.
func (v *MemoryVenue) Borrow(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("memory venue: borrow must be positive: %w", common.ErrInvalidData)
	}
	debt, ok := v.borrows[token]
	if !ok {
		debt = big.NewInt(0)
	}
	v.borrows[token] = new(big.Int).Add(debt, amount)
	return nil
}

// RepayBorrow retires debt in the given token; repaying more than owed
// fails.
func (v *MemoryVenue) RepayBorrow(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("memory venue: repay must be positive: %w", common.ErrInvalidData)
	}
	debt, ok := v.borrows[token]
	if !ok || debt.Cmp(amount) < 0 {
		return fmt.Errorf("memory venue: repay exceeds debt: %w", common.ErrInvalidData)
	}
	v.borrows[token] = new(big.Int).Sub(debt, amount)
	return nil
}

// DebtOf reports outstanding debt in the given token.
func (v *MemoryVenue) DebtOf(token string) (*big.Int, error) {
	debt, ok := v.borrows[token]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(debt), nil
}
