package adapter

import "math/big"

// Adapter is the capability contract every external position type satisfies.
// The allocation router and leverage overlay treat any implementation
// interchangeably.
//
// Amounts passed to Stake/Unstake are denominated in the input's token.
// NativeToInput and InputToNative translate between the venue's native
// accounting unit (e.g. an interest-bearing receipt token) and the input
// token; both must be pure functions of on-venue state such as an exchange
// rate, never of the caller's balance, so valuation stays side-effect free.
// Adapters whose native units already denote input value return the amount
// unchanged.
type Adapter interface {
	// Stake deposits the input-token amount into the venue position at the
	// given input index.
	Stake(index int, amount *big.Int) error
	// Unstake withdraws up to amount input-token units from the position and
	// returns the input-token amount actually released.
	Unstake(index int, amount *big.Int) (*big.Int, error)
	// NativeToInput converts a native-unit amount into input-token units.
	NativeToInput(index int, amount *big.Int) (*big.Int, error)
	// InputToNative converts an input-token amount into native units.
	InputToNative(index int, amount *big.Int) (*big.Int, error)
	// InvestedValue reports the current position size in input-token units.
	InvestedValue(index int) (*big.Int, error)
	// RewardsAvailable reports claimable reward amounts per reward token.
	RewardsAvailable() ([]*big.Int, error)
	// ClaimRewards claims all pending rewards and returns the claimed
	// amounts per reward token.
	ClaimRewards() ([]*big.Int, error)
	// RewardTokens lists the reward token symbols in the order used by
	// RewardsAvailable and ClaimRewards.
	RewardTokens() []string
}
