package router

import "math/big"

// Input describes one external position a vault allocates capital to.
type Input struct {
	// Token is the input's deposit token symbol.
	Token string
	// WeightBps is the allocation target weight in basis points. An input
	// with zero weight is reachable only as the short leg of a leverage
	// pair and is never independently allocated.
	WeightBps uint64
	// Decimals is the token's display precision, carried for observers.
	Decimals uint8
}

// Clone returns a copy of the input list.
func cloneInputs(inputs []Input) []Input {
	return append([]Input{}, inputs...)
}

// Swapper executes an opaque serialized swap instruction. The router never
// inspects the instruction beyond handing it to the facade; min-out
// enforcement inside the facade is driven by the instruction itself while
// the router applies its own oracle-based unified slippage check on top.
type Swapper interface {
	Swap(inputToken, outputToken string, amount *big.Int, instruction []byte) (received, spent *big.Int, err error)
}

// Converter prices an amount of one token in another. Implemented by the
// oracle aggregator; fails closed when no fresh feed exists.
type Converter interface {
	Convert(base string, amount *big.Int, quote string) (*big.Int, error)
	HasFeed(base, quote string) bool
}

// ledger is the narrow vault surface the router drives.
type ledger interface {
	InvestableIdle() (*big.Int, error)
	RecordInvestment(spent, value *big.Int) error
	RecordDivestment(value, received *big.Int) error
	RecordHarvest(received *big.Int) error
	Keeper() [20]byte
}
