package leverage

import (
	"fmt"

	nativecommon "allocvault/native/common"
)

// StaticInstructionSource serves pre-registered swap instructions keyed by
// token pair. A pair with no registered instruction fails the cycle rather
// than guessing a route.
type StaticInstructionSource map[string][]byte

// PairKey builds the lookup key for a swap direction.
func PairKey(inputToken, outputToken string) string {
	return inputToken + "->" + outputToken
}

// Register stores the instruction for a swap direction.
func (s StaticInstructionSource) Register(inputToken, outputToken string, instruction []byte) {
	s[PairKey(inputToken, outputToken)] = instruction
}

// Build implements the InstructionSource interface.
func (s StaticInstructionSource) Build(inputToken, outputToken string) ([]byte, error) {
	instr, ok := s[PairKey(inputToken, outputToken)]
	if !ok || len(instr) == 0 {
		return nil, fmt.Errorf("leverage: no instruction registered for %s->%s: %w", inputToken, outputToken, nativecommon.ErrInvalidData)
	}
	return instr, nil
}
