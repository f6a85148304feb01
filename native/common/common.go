package common

import "errors"

// Error kinds shared across the vault engines. Engines wrap these with
// module-prefixed context so callers can branch on the kind with errors.Is
// while operators still see which component rejected the operation.
var (
	// ErrUnauthorized signals a failed role or ownership precondition.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidData signals malformed or missing required parameters.
	ErrInvalidData = errors.New("invalid data")
	// ErrAmountTooLow signals a unified slippage or valuation check failure.
	ErrAmountTooLow = errors.New("amount too low")
	// ErrMissingOracle signals an unavailable or stale price feed.
	ErrMissingOracle = errors.New("missing oracle")
	// ErrInsufficientLiquidity signals that idle cash cannot cover a
	// synchronous redemption.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// ErrModulePaused is returned by Guard when the named module is halted.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module has been administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the module is paused. A nil view or empty
// module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
