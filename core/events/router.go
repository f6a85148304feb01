package events

import "math/big"

const (
	TypeAllocationPerformed  = "router.allocation_performed"
	TypeLiquidationPerformed = "router.liquidation_performed"
	TypeHarvestPerformed     = "router.harvest_performed"
)

// AllocationPerformed is emitted once per invest call with the aggregate
// amounts moved out of idle cash and into positions.
type AllocationPerformed struct {
	Requested      *big.Int
	Deployed       *big.Int
	IdleBefore     *big.Int
	IdleAfter      *big.Int
	InputsTouched  uint64
	InputsSkipped  uint64
}

func (AllocationPerformed) EventType() string { return TypeAllocationPerformed }

func (e AllocationPerformed) Attributes() map[string]string {
	return map[string]string{
		"requested":     formatAmount(e.Requested),
		"deployed":      formatAmount(e.Deployed),
		"idleBefore":    formatAmount(e.IdleBefore),
		"idleAfter":     formatAmount(e.IdleAfter),
		"inputsTouched": uintToString(e.InputsTouched),
		"inputsSkipped": uintToString(e.InputsSkipped),
	}
}

// LiquidationPerformed is emitted once per liquidate call.
type LiquidationPerformed struct {
	Requested  *big.Int
	Received   *big.Int
	IdleBefore *big.Int
	IdleAfter  *big.Int
	Panic      bool
}

func (LiquidationPerformed) EventType() string { return TypeLiquidationPerformed }

func (e LiquidationPerformed) Attributes() map[string]string {
	panicked := "false"
	if e.Panic {
		panicked = "true"
	}
	return map[string]string{
		"requested":  formatAmount(e.Requested),
		"received":   formatAmount(e.Received),
		"idleBefore": formatAmount(e.IdleBefore),
		"idleAfter":  formatAmount(e.IdleAfter),
		"panic":      panicked,
	}
}

// HarvestPerformed is emitted when claimed rewards are swapped into the base
// denomination and credited to the vault.
type HarvestPerformed struct {
	Rewards           *big.Int
	RewardTokensSwept uint64
}

func (HarvestPerformed) EventType() string { return TypeHarvestPerformed }

func (e HarvestPerformed) Attributes() map[string]string {
	return map[string]string{
		"rewards":     formatAmount(e.Rewards),
		"tokensSwept": uintToString(e.RewardTokensSwept),
	}
}
