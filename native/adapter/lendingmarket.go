package adapter

import (
	"errors"
	"fmt"
	"math/big"

	"allocvault/native/common"
)

var (
	errNilVenue     = errors.New("lending adapter: venue not configured")
	errInputRange   = errors.New("lending adapter: input index out of range")
	errRateInvalid  = errors.New("lending adapter: venue exchange rate not positive")
	errPositionSize = errors.New("lending adapter: unstake exceeds position")
)

// Venue is the call shape a lending market must expose for the generic
// adapter to drive it. One Venue implementation per external protocol; the
// adapter itself carries no protocol-specific branches beyond the reward
// surface detection below.
type Venue interface {
	// Deposit supplies the input token and returns the native units minted.
	Deposit(token string, amount *big.Int) (*big.Int, error)
	// Redeem burns native units and returns the input-token amount released.
	Redeem(token string, native *big.Int) (*big.Int, error)
	// ExchangeRate reports input-token units per native unit.
	ExchangeRate(token string) (*big.Rat, error)
	// ClaimRewards claims all pending rewards in RewardTokens order.
	ClaimRewards() ([]*big.Int, error)
	// RewardTokens lists the venue's reward token symbols.
	RewardTokens() []string
}

// RewardReader is the modern reward accrual surface.
type RewardReader interface {
	PendingRewards() ([]*big.Int, error)
}

// LegacyRewardReader is the pre-overhaul reward surface some venues still
// expose, reporting a single aggregate amount for the first reward token.
type LegacyRewardReader interface {
	AccruedReward() (*big.Int, error)
}

// LendingMarket is a generic adapter over any Venue. Per-input native
// positions are tracked locally; valuation derives from the venue exchange
// rate alone.
type LendingMarket struct {
	venue         Venue
	tokens        []string
	positions     []*big.Int
	legacyRewards bool
}

// NewLendingMarket constructs an adapter for the given venue and input token
// list. The venue's reward surface shape is detected once here and cached;
// it is never re-detected per call.
func NewLendingMarket(venue Venue, tokens []string) (*LendingMarket, error) {
	if venue == nil {
		return nil, errNilVenue
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("lending adapter: no input tokens: %w", common.ErrInvalidData)
	}
	m := &LendingMarket{
		venue:     venue,
		tokens:    append([]string{}, tokens...),
		positions: make([]*big.Int, len(tokens)),
	}
	for i := range m.positions {
		m.positions[i] = big.NewInt(0)
	}
	if _, ok := venue.(RewardReader); !ok {
		if _, legacy := venue.(LegacyRewardReader); legacy {
			m.legacyRewards = true
		}
	}
	return m, nil
}

// LegacyRewards reports whether the venue was detected as exposing only the
// legacy reward surface.
func (m *LendingMarket) LegacyRewards() bool {
	if m == nil {
		return false
	}
	return m.legacyRewards
}

// Stake deposits the input-token amount and records the native units minted.
func (m *LendingMarket) Stake(index int, amount *big.Int) error {
	if err := m.checkIndex(index); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("lending adapter: amount must be positive: %w", common.ErrInvalidData)
	}
	native, err := m.venue.Deposit(m.tokens[index], amount)
	if err != nil {
		return err
	}
	if native == nil || native.Sign() < 0 {
		return errRateInvalid
	}
	m.positions[index] = new(big.Int).Add(m.positions[index], native)
	return nil
}

// Unstake redeems up to amount input-token units from the position.
func (m *LendingMarket) Unstake(index int, amount *big.Int) (*big.Int, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("lending adapter: amount must be positive: %w", common.ErrInvalidData)
	}
	native, err := m.InputToNative(index, amount)
	if err != nil {
		return nil, err
	}
	if native.Sign() == 0 {
		native = big.NewInt(1)
	}
	if native.Cmp(m.positions[index]) > 0 {
		return nil, errPositionSize
	}
	released, err := m.venue.Redeem(m.tokens[index], native)
	if err != nil {
		return nil, err
	}
	m.positions[index] = new(big.Int).Sub(m.positions[index], native)
	return released, nil
}

// NativeToInput converts native units into input-token units at the current
// venue exchange rate.
func (m *LendingMarket) NativeToInput(index int, amount *big.Int) (*big.Int, error) {
	rate, err := m.rate(index)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	scaled := new(big.Rat).Mul(rate, new(big.Rat).SetInt(amount))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// InputToNative converts input-token units into native units at the current
// venue exchange rate.
func (m *LendingMarket) InputToNative(index int, amount *big.Int) (*big.Int, error) {
	rate, err := m.rate(index)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	inverse := new(big.Rat).Inv(rate)
	scaled := new(big.Rat).Mul(inverse, new(big.Rat).SetInt(amount))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// InvestedValue reports the position size in input-token units.
func (m *LendingMarket) InvestedValue(index int) (*big.Int, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	return m.NativeToInput(index, m.positions[index])
}

// RewardsAvailable reports pending rewards through whichever surface the
// venue exposes.
func (m *LendingMarket) RewardsAvailable() ([]*big.Int, error) {
	if m == nil || m.venue == nil {
		return nil, errNilVenue
	}
	if m.legacyRewards {
		legacy := m.venue.(LegacyRewardReader)
		amount, err := legacy.AccruedReward()
		if err != nil {
			return nil, err
		}
		out := make([]*big.Int, len(m.venue.RewardTokens()))
		for i := range out {
			out[i] = big.NewInt(0)
		}
		if len(out) > 0 && amount != nil {
			out[0] = new(big.Int).Set(amount)
		}
		return out, nil
	}
	reader, ok := m.venue.(RewardReader)
	if !ok {
		return []*big.Int{}, nil
	}
	return reader.PendingRewards()
}

// ClaimRewards claims all pending rewards from the venue.
func (m *LendingMarket) ClaimRewards() ([]*big.Int, error) {
	if m == nil || m.venue == nil {
		return nil, errNilVenue
	}
	return m.venue.ClaimRewards()
}

// RewardTokens lists the venue's reward tokens.
func (m *LendingMarket) RewardTokens() []string {
	if m == nil || m.venue == nil {
		return nil
	}
	return m.venue.RewardTokens()
}

func (m *LendingMarket) checkIndex(index int) error {
	if m == nil || m.venue == nil {
		return errNilVenue
	}
	if index < 0 || index >= len(m.tokens) {
		return errInputRange
	}
	return nil
}

func (m *LendingMarket) rate(index int) (*big.Rat, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	rate, err := m.venue.ExchangeRate(m.tokens[index])
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, errRateInvalid
	}
	return rate, nil
}
