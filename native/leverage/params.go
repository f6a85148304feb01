package leverage

import (
	"fmt"

	nativecommon "allocvault/native/common"
)

// Params configures the leverage cycle. TargetLeverage is base-100: 100
// means unlevered, 300 means the gross position is three times the
// principal. HaircutBps shaves the borrowed leg below the theoretical
// target so rate drift between borrow and swap cannot push the position
// past the venue's collateral factor.
type Params struct {
	TargetLeverage uint64
	HaircutBps     uint64
}

// validate checks the internal consistency of the parameters and the bound
// implied by the venue's loan-to-value ratio. The leverage ceiling is
// 100/(1-LTV); a target at or above it is rejected outright rather than
// clamped, since a clamped target silently changes the strategy's risk.
func (p Params) validate(ltvBps uint64) error {
	if p.TargetLeverage < 100 {
		return fmt.Errorf("leverage: target below 1x: %w", nativecommon.ErrInvalidData)
	}
	if p.HaircutBps >= p.TargetLeverage*100 {
		return fmt.Errorf("leverage: haircut consumes entire target: %w", nativecommon.ErrInvalidData)
	}
	if ltvBps >= 10_000 {
		return fmt.Errorf("leverage: venue reports full loan-to-value: %w", nativecommon.ErrInvalidData)
	}
	// target < 100 * 10000 / (10000 - ltv), kept in integers.
	if p.TargetLeverage*(10_000-ltvBps) >= 100*10_000 {
		return fmt.Errorf("leverage: target %d exceeds venue bound: %w", p.TargetLeverage, nativecommon.ErrUnauthorized)
	}
	return nil
}
