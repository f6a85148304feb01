package router

import (
	"encoding/json"
	"fmt"
	"math/big"

	nativecommon "allocvault/native/common"
)

// SwapInstruction is the serialized form consumed by the priced facade.
// Amounts are decimal strings. MinOut of zero disables the facade-level
// floor; the router's oracle check still applies.
type SwapInstruction struct {
	MinOut string `json:"minOut"`
}

// EncodeInstruction serializes a minimum-output floor into instruction bytes.
func EncodeInstruction(minOut *big.Int) []byte {
	instr := SwapInstruction{MinOut: "0"}
	if minOut != nil {
		instr.MinOut = minOut.String()
	}
	raw, err := json.Marshal(instr)
	if err != nil {
		return nil
	}
	return raw
}

// PricedSwapper executes swaps at the oracle rate less a fixed fee. It backs
// local runs and tests; a production deployment substitutes a facade that
// routes to a real execution venue behind the same Swapper surface.
type PricedSwapper struct {
	oracle Converter
	feeBps uint64
}

// NewPricedSwapper constructs a facade over the given price source.
func NewPricedSwapper(oracle Converter, feeBps uint64) *PricedSwapper {
	return &PricedSwapper{oracle: oracle, feeBps: feeBps}
}

// Swap converts amount of inputToken into outputToken at the oracle rate,
// charging the facade fee and enforcing the instruction's min-out floor.
func (s *PricedSwapper) Swap(inputToken, outputToken string, amount *big.Int, instruction []byte) (*big.Int, *big.Int, error) {
	if s == nil || s.oracle == nil {
		return nil, nil, fmt.Errorf("swap facade: no price source: %w", nativecommon.ErrMissingOracle)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("swap facade: amount must be positive: %w", nativecommon.ErrInvalidData)
	}
	var instr SwapInstruction
	if err := json.Unmarshal(instruction, &instr); err != nil {
		return nil, nil, fmt.Errorf("swap facade: malformed instruction: %w", nativecommon.ErrInvalidData)
	}
	minOut := big.NewInt(0)
	if instr.MinOut != "" {
		parsed, ok := new(big.Int).SetString(instr.MinOut, 10)
		if !ok || parsed.Sign() < 0 {
			return nil, nil, fmt.Errorf("swap facade: malformed minOut %q: %w", instr.MinOut, nativecommon.ErrInvalidData)
		}
		minOut = parsed
	}
	gross, err := s.oracle.Convert(inputToken, amount, outputToken)
	if err != nil {
		return nil, nil, err
	}
	received := new(big.Int).Mul(gross, new(big.Int).SetUint64(10_000-s.feeBps))
	received.Quo(received, basisPoints)
	if received.Cmp(minOut) < 0 {
		return nil, nil, fmt.Errorf("swap facade: output %s below floor %s: %w", received, minOut, nativecommon.ErrAmountTooLow)
	}
	return received, new(big.Int).Set(amount), nil
}
