package router

import (
	"errors"
	"fmt"
	"math/big"

	"allocvault/core/events"
	"allocvault/native/adapter"
	nativecommon "allocvault/native/common"
)

var (
	errNilLedger     = errors.New("allocation router: ledger not configured")
	errNilAdapter    = errors.New("allocation router: adapter not configured")
	errNilSwapper    = errors.New("allocation router: swap facade not configured")
	errNilOracle     = errors.New("allocation router: oracle not configured")
	errNoInputs      = errors.New("allocation router: no inputs configured")
	errReentrant     = errors.New("allocation router: operation already in progress")
	errInvalidAmount = errors.New("allocation router: amount must be positive")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "router"

// Engine splits idle capital across inputs per the weight vector and drives
// entry and exit through the swap facade and the position adapter. It owns no
// share accounting; all value movements land in the vault ledger through the
// Record* hooks, which keeps the total-accounted-assets figure inside the
// same atomic operation that produced the external state change.
type Engine struct {
	base    string
	inputs  []Input
	tolBps  uint64
	dust    *big.Int
	admin   [20]byte
	ledger  ledger
	adapter adapter.Adapter
	swapper Swapper
	oracle  Converter
	emitter events.Emitter
	pauses  nativecommon.PauseView
	busy    bool
}

// NewEngine constructs a router for the given base token.
func NewEngine(base string) *Engine {
	return &Engine{
		base:    base,
		dust:    big.NewInt(0),
		emitter: events.NoopEmitter{},
	}
}

// SetLedger wires the vault ledger hooks.
func (e *Engine) SetLedger(l ledger) { e.ledger = l }

// SetAdapter wires the position adapter.
func (e *Engine) SetAdapter(a adapter.Adapter) { e.adapter = a }

// SetSwapper wires the swap facade.
func (e *Engine) SetSwapper(s Swapper) { e.swapper = s }

// SetOracle wires the price conversion facade.
func (e *Engine) SetOracle(o Converter) { e.oracle = o }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the administrative pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetAdmin configures the address allowed to change allocation parameters.
func (e *Engine) SetAdmin(admin [20]byte) {
	if e == nil {
		return
	}
	e.admin = admin
}

// SetInputs replaces the input set. Weights must not sum above 100%; every
// input token needs a price feed unless it is the base token itself.
func (e *Engine) SetInputs(caller [20]byte, inputs []Input) error {
	if e == nil {
		return errNilLedger
	}
	if caller != e.admin {
		return fmt.Errorf("allocation router: input configuration is admin-only: %w", nativecommon.ErrUnauthorized)
	}
	total := uint64(0)
	for _, in := range inputs {
		if in.Token == "" {
			return fmt.Errorf("allocation router: input token missing: %w", nativecommon.ErrInvalidData)
		}
		total += in.WeightBps
	}
	if total > 10_000 {
		return fmt.Errorf("allocation router: weights exceed 100%%: %w", nativecommon.ErrInvalidData)
	}
	if e.oracle != nil {
		for _, in := range inputs {
			if in.Token == e.base || in.WeightBps == 0 {
				continue
			}
			if !e.oracle.HasFeed(in.Token, e.base) {
				return fmt.Errorf("allocation router: no feed for input %s: %w", in.Token, nativecommon.ErrMissingOracle)
			}
		}
	}
	e.inputs = cloneInputs(inputs)
	return nil
}

// Inputs returns a copy of the configured input set.
func (e *Engine) Inputs() []Input {
	if e == nil {
		return nil
	}
	return cloneInputs(e.inputs)
}

// SetSlippage configures the unified slippage tolerance in basis points. The
// budget covers the whole swap-plus-stake (or unstake-plus-swap) leg: a
// generous per-step check could mask an unacceptable loss on the other step,
// so the router only ever checks end-to-end value against the oracle mark.
func (e *Engine) SetSlippage(caller [20]byte, tolBps uint64) error {
	if caller != e.admin {
		return fmt.Errorf("allocation router: slippage tolerance is admin-only: %w", nativecommon.ErrUnauthorized)
	}
	if tolBps > 10_000 {
		return fmt.Errorf("allocation router: tolerance out of range: %w", nativecommon.ErrInvalidData)
	}
	e.tolBps = tolBps
	return nil
}

// SetDustThreshold configures the per-input amount below which allocation is
// skipped rather than forcing a failing transfer.
func (e *Engine) SetDustThreshold(caller [20]byte, dust *big.Int) error {
	if caller != e.admin {
		return fmt.Errorf("allocation router: dust threshold is admin-only: %w", nativecommon.ErrUnauthorized)
	}
	if dust == nil || dust.Sign() < 0 {
		return fmt.Errorf("allocation router: dust threshold must be non-negative: %w", nativecommon.ErrInvalidData)
	}
	e.dust = new(big.Int).Set(dust)
	return nil
}

func (e *Engine) ready() error {
	switch {
	case e == nil || e.ledger == nil:
		return errNilLedger
	case e.adapter == nil:
		return errNilAdapter
	case e.swapper == nil:
		return errNilSwapper
	case e.oracle == nil:
		return errNilOracle
	case len(e.inputs) == 0:
		return errNoInputs
	}
	return nil
}

func (e *Engine) enter() error {
	if e.busy {
		return errReentrant
	}
	e.busy = true
	return nil
}

func (e *Engine) exit() { e.busy = false }

func (e *Engine) requireKeeper(caller [20]byte) error {
	if caller != e.ledger.Keeper() {
		return fmt.Errorf("allocation router: keeper-only entry point: %w", nativecommon.ErrUnauthorized)
	}
	return nil
}

// withinTolerance applies the unified slippage check: got must be at least
// basis minus the tolerance budget.
func (e *Engine) withinTolerance(got, basis *big.Int) bool {
	floor := new(big.Int).Mul(basis, new(big.Int).SetUint64(10_000-e.tolBps))
	floor.Quo(floor, basisPoints)
	return got.Cmp(floor) >= 0
}

// Invest deploys amount of idle cash across the weighted inputs, swapping
// out of the base token where needed and staking through the adapter. The
// aggregate oracle-marked value entered must clear minIouOut.
func (e *Engine) Invest(caller [20]byte, amount, minIouOut *big.Int, instructions [][]byte) (err error) {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireKeeper(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	available, err := e.ledger.InvestableIdle()
	if err != nil {
		return err
	}
	if available.Cmp(amount) < 0 {
		return fmt.Errorf("allocation router: invest exceeds idle cash: %w", nativecommon.ErrInsufficientLiquidity)
	}

	deployed := big.NewInt(0)
	spentTotal := big.NewInt(0)
	touched, skipped := uint64(0), uint64(0)
	for i, in := range e.inputs {
		if in.WeightBps == 0 {
			continue
		}
		target := new(big.Int).Mul(amount, new(big.Int).SetUint64(in.WeightBps))
		target.Quo(target, basisPoints)
		if target.Sign() == 0 || target.Cmp(e.dust) < 0 {
			skipped++
			continue
		}
		spent, value, stakeErr := e.enterInput(i, in, target, instructions)
		if stakeErr != nil {
			return stakeErr
		}
		spentTotal.Add(spentTotal, spent)
		deployed.Add(deployed, value)
		touched++
	}
	if minIouOut != nil && deployed.Cmp(minIouOut) < 0 {
		return fmt.Errorf("allocation router: deployed value below minimum: %w", nativecommon.ErrAmountTooLow)
	}
	if err := e.ledger.RecordInvestment(spentTotal, deployed); err != nil {
		return err
	}
	e.emitter.Emit(events.AllocationPerformed{
		Requested:     new(big.Int).Set(amount),
		Deployed:      deployed,
		IdleBefore:    available,
		IdleAfter:     new(big.Int).Sub(available, spentTotal),
		InputsTouched: touched,
		InputsSkipped: skipped,
	})
	return nil
}

// enterInput performs the swap-plus-stake leg for one input and returns the
// base amount spent and the oracle-marked value entered.
func (e *Engine) enterInput(index int, in Input, target *big.Int, instructions [][]byte) (*big.Int, *big.Int, error) {
	if in.Token == e.base {
		if err := e.adapter.Stake(index, target); err != nil {
			return nil, nil, err
		}
		return new(big.Int).Set(target), new(big.Int).Set(target), nil
	}
	instr := instructionAt(instructions, index)
	if instr == nil {
		return nil, nil, fmt.Errorf("allocation router: missing swap instruction for input %d: %w", index, nativecommon.ErrInvalidData)
	}
	received, spent, err := e.swapper.Swap(e.base, in.Token, target, instr)
	if err != nil {
		return nil, nil, err
	}
	if received == nil || received.Sign() <= 0 {
		return nil, nil, fmt.Errorf("allocation router: swap returned nothing for input %d: %w", index, nativecommon.ErrAmountTooLow)
	}
	if err := e.adapter.Stake(index, received); err != nil {
		return nil, nil, err
	}
	value, err := e.oracle.Convert(in.Token, received, e.base)
	if err != nil {
		return nil, nil, err
	}
	if !e.withinTolerance(value, spent) {
		return nil, nil, fmt.Errorf("allocation router: entry value %s below tolerance of %s spent: %w", value, spent, nativecommon.ErrAmountTooLow)
	}
	return new(big.Int).Set(spent), value, nil
}

// Liquidate unwinds up to amount of invested value back into the base token
// and refills vault idle cash, funding pending withdrawal requests. The
// panic flag waives slippage enforcement for emergency full exits; the
// request is capped at total invested, and excess over what withdrawals need
// simply stays idle.
func (e *Engine) Liquidate(caller [20]byte, amount, minAmountOut *big.Int, panicExit bool, instructions [][]byte) (err error) {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireKeeper(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	investedByInput := make([]*big.Int, len(e.inputs))
	investedTotal := big.NewInt(0)
	for i, in := range e.inputs {
		if in.WeightBps == 0 {
			continue
		}
		value, valErr := e.investedValue(i, in)
		if valErr != nil {
			return valErr
		}
		investedByInput[i] = value
		investedTotal.Add(investedTotal, value)
	}
	requested := new(big.Int).Set(amount)
	if requested.Cmp(investedTotal) > 0 {
		requested.Set(investedTotal)
	}
	if requested.Sign() == 0 {
		return nil
	}

	removed := big.NewInt(0)
	received := big.NewInt(0)
	for i, in := range e.inputs {
		if in.WeightBps == 0 || investedByInput[i] == nil || investedByInput[i].Sign() == 0 {
			continue
		}
		share := new(big.Int).Mul(requested, new(big.Int).SetUint64(in.WeightBps))
		share.Quo(share, basisPoints)
		if share.Cmp(investedByInput[i]) > 0 {
			share.Set(investedByInput[i])
		}
		if share.Sign() == 0 || share.Cmp(e.dust) < 0 {
			continue
		}
		got, exitErr := e.exitInput(i, in, share, panicExit, instructions)
		if exitErr != nil {
			return exitErr
		}
		removed.Add(removed, share)
		received.Add(received, got)
	}
	if !panicExit && minAmountOut != nil && received.Cmp(minAmountOut) < 0 {
		return fmt.Errorf("allocation router: liquidation proceeds below minimum: %w", nativecommon.ErrAmountTooLow)
	}
	if err := e.ledger.RecordDivestment(removed, received); err != nil {
		return err
	}
	e.emitter.Emit(events.LiquidationPerformed{
		Requested: new(big.Int).Set(amount),
		Received:  received,
		Panic:     panicExit,
	})
	return nil
}

// exitInput performs the unstake-plus-swap leg for one input. share is the
// base-denomination value to unwind; the return value is base tokens
// received.
func (e *Engine) exitInput(index int, in Input, share *big.Int, panicExit bool, instructions [][]byte) (*big.Int, error) {
	inputAmount := new(big.Int).Set(share)
	if in.Token != e.base {
		converted, err := e.oracle.Convert(e.base, share, in.Token)
		if err != nil {
			return nil, err
		}
		inputAmount = converted
	}
	if inputAmount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	released, err := e.adapter.Unstake(index, inputAmount)
	if err != nil {
		return nil, err
	}
	got := released
	if in.Token != e.base {
		instr := instructionAt(instructions, index)
		if instr == nil {
			return nil, fmt.Errorf("allocation router: missing swap instruction for input %d: %w", index, nativecommon.ErrInvalidData)
		}
		swapped, _, swapErr := e.swapper.Swap(in.Token, e.base, released, instr)
		if swapErr != nil {
			return nil, swapErr
		}
		got = swapped
	}
	if !panicExit && !e.withinTolerance(got, share) {
		return nil, fmt.Errorf("allocation router: exit proceeds %s below tolerance of %s: %w", got, share, nativecommon.ErrAmountTooLow)
	}
	return got, nil
}

// investedValue prices the adapter position for input i in the base token.
func (e *Engine) investedValue(index int, in Input) (*big.Int, error) {
	value, err := e.adapter.InvestedValue(index)
	if err != nil {
		return nil, err
	}
	if in.Token == e.base || value.Sign() == 0 {
		return value, nil
	}
	return e.oracle.Convert(in.Token, value, e.base)
}

// TotalInvested prices all weighted positions in the base token.
func (e *Engine) TotalInvested() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for i, in := range e.inputs {
		if in.WeightBps == 0 {
			continue
		}
		value, err := e.investedValue(i, in)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// Harvest claims adapter rewards, swaps them into the base token and credits
// the proceeds to the vault.
func (e *Engine) Harvest(caller [20]byte, instructions [][]byte) (err error) {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireKeeper(caller); err != nil {
		return err
	}
	claimed, err := e.adapter.ClaimRewards()
	if err != nil {
		return err
	}
	tokens := e.adapter.RewardTokens()
	total := big.NewInt(0)
	swept := uint64(0)
	for i, amount := range claimed {
		if amount == nil || amount.Sign() == 0 || i >= len(tokens) {
			continue
		}
		if tokens[i] == e.base {
			total.Add(total, amount)
			swept++
			continue
		}
		if amount.Cmp(e.dust) < 0 {
			continue
		}
		instr := instructionAt(instructions, i)
		if instr == nil {
			return fmt.Errorf("allocation router: missing swap instruction for reward %s: %w", tokens[i], nativecommon.ErrInvalidData)
		}
		received, _, swapErr := e.swapper.Swap(tokens[i], e.base, amount, instr)
		if swapErr != nil {
			return swapErr
		}
		total.Add(total, received)
		swept++
	}
	if err := e.ledger.RecordHarvest(total); err != nil {
		return err
	}
	e.emitter.Emit(events.HarvestPerformed{Rewards: total, RewardTokensSwept: swept})
	return nil
}

func instructionAt(instructions [][]byte, index int) []byte {
	if index < 0 || index >= len(instructions) {
		return nil
	}
	if len(instructions[index]) == 0 {
		return nil
	}
	return instructions[index]
}
