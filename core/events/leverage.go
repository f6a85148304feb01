package events

import "math/big"

const (
	TypeLeverageOpened = "leverage.opened"
	TypeLeverageClosed = "leverage.closed"
)

// LeverageOpened is emitted after a successful flash-loan entry cycle.
type LeverageOpened struct {
	Principal        *big.Int
	LoanDrawn        *big.Int
	CollateralAfter  *big.Int
	DebtAfter        *big.Int
	TargetLeverage   uint64
}

func (LeverageOpened) EventType() string { return TypeLeverageOpened }

func (e LeverageOpened) Attributes() map[string]string {
	return map[string]string{
		"principal":       formatAmount(e.Principal),
		"loanDrawn":       formatAmount(e.LoanDrawn),
		"collateralAfter": formatAmount(e.CollateralAfter),
		"debtAfter":       formatAmount(e.DebtAfter),
		"targetLeverage":  uintToString(e.TargetLeverage),
	}
}

// LeverageClosed is emitted after a successful flash-loan exit cycle.
type LeverageClosed struct {
	Requested       *big.Int
	Released        *big.Int
	CollateralAfter *big.Int
	DebtAfter       *big.Int
}

func (LeverageClosed) EventType() string { return TypeLeverageClosed }

func (e LeverageClosed) Attributes() map[string]string {
	return map[string]string{
		"requested":       formatAmount(e.Requested),
		"released":        formatAmount(e.Released),
		"collateralAfter": formatAmount(e.CollateralAfter),
		"debtAfter":       formatAmount(e.DebtAfter),
	}
}
