package leverage

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"allocvault/core/events"
	"allocvault/native/adapter"
	nativecommon "allocvault/native/common"
	"allocvault/native/vault"
)

var (
	errNilInner        = errors.New("leverage: inner adapter not configured")
	errNilMarket       = errors.New("leverage: market not configured")
	errNilLoans        = errors.New("leverage: loan provider not configured")
	errNilSwapper      = errors.New("leverage: swap facade not configured")
	errNilOracle       = errors.New("leverage: oracle not configured")
	errNilInstructions = errors.New("leverage: instruction source not configured")
	errReentrant       = errors.New("leverage: cycle already in progress")
	errInvalidAmount   = errors.New("leverage: amount must be positive")
	errUnderwater      = errors.New("leverage: position value below outstanding debt")
)

var basisPoints = big.NewInt(10_000)

// Market is the borrow side of a unitroller-style lending venue. Collateral
// itself moves through the inner adapter; the overlay only draws and repays
// the secondary-leg debt here.
type Market interface {
	CollateralFactorBps(token string) (uint64, error)
	Borrow(token string, amount *big.Int) error
	RepayBorrow(token string, amount *big.Int) error
	DebtOf(token string) (*big.Int, error)
}

// LoanProvider issues atomic same-transaction loans against a callback
// obligation to repay amount plus fee before the call returns.
type LoanProvider interface {
	FlashBorrow(borrower vault.FlashBorrower, token string, amount *big.Int, data []byte) error
	FlashFeeBps() (uint64, error)
}

// Swapper executes an opaque serialized swap instruction.
type Swapper interface {
	Swap(inputToken, outputToken string, amount *big.Int, instruction []byte) (received, spent *big.Int, err error)
}

// Converter prices an amount of one token in another.
type Converter interface {
	Convert(base string, amount *big.Int, quote string) (*big.Int, error)
	HasFeed(base, quote string) bool
}

// InstructionSource builds the serialized swap instruction for a leveraged
// leg. Entry and exit cycles run inside a loan callback, so the instruction
// cannot be supplied by the keeper per call the way router instructions are.
type InstructionSource interface {
	Build(inputToken, outputToken string) ([]byte, error)
}

type pendingOp struct {
	id        [32]byte
	entry     bool
	principal *big.Int
	borrow    *big.Int
	request   *big.Int
}

// Overlay wraps an inner position adapter and turns the primary input into
// a leveraged two-leg position. On entry it draws a same-transaction loan,
// deposits the whole loan as collateral through the inner adapter, borrows
// the secondary leg against it and swaps the proceeds back to repay the
// loan. On exit it mirrors the cycle: buy back the secondary leg, repay the
// debt, withdraw the freed collateral and settle the loan. Every other
// input index passes straight through to the inner adapter.
//
// A cycle either completes or errors out of the loan callback, which makes
// the provider revert the draw; there is no partial leverage state.
type Overlay struct {
	inner        adapter.Adapter
	market       Market
	loans        LoanProvider
	swapper      Swapper
	oracle       Converter
	instructions InstructionSource
	emitter      events.Emitter

	params       Params
	admin        [20]byte
	primaryIndex int
	primaryToken string
	debtToken    string
	dust         *big.Int

	nonce    uint64
	pending  *pendingOp
	idle     *big.Int
	released *big.Int
	busy     bool
}

var _ adapter.Adapter = (*Overlay)(nil)
var _ vault.FlashBorrower = (*Overlay)(nil)

// NewOverlay constructs an unlevered overlay around inner for the given
// primary input. Until SetParams raises the target above 100 the overlay is
// a transparent pass-through.
func NewOverlay(inner adapter.Adapter, primaryIndex int, primaryToken, debtToken string) *Overlay {
	return &Overlay{
		inner:        inner,
		primaryIndex: primaryIndex,
		primaryToken: primaryToken,
		debtToken:    debtToken,
		params:       Params{TargetLeverage: 100},
		dust:         big.NewInt(0),
		idle:         big.NewInt(0),
		emitter:      events.NoopEmitter{},
	}
}

// SetMarket wires the borrow venue.
func (o *Overlay) SetMarket(m Market) { o.market = m }

// SetLoanProvider wires the flash loan source.
func (o *Overlay) SetLoanProvider(l LoanProvider) { o.loans = l }

// SetSwapper wires the swap facade.
func (o *Overlay) SetSwapper(s Swapper) { o.swapper = s }

// SetOracle wires the price conversion facade.
func (o *Overlay) SetOracle(c Converter) { o.oracle = c }

// SetInstructionSource wires the swap instruction builder.
func (o *Overlay) SetInstructionSource(s InstructionSource) { o.instructions = s }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (o *Overlay) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		o.emitter = events.NoopEmitter{}
		return
	}
	o.emitter = emitter
}

// SetAdmin configures the address allowed to change leverage parameters.
func (o *Overlay) SetAdmin(admin [20]byte) {
	if o == nil {
		return
	}
	o.admin = admin
}

// SetDustThreshold configures the leftover size below which entry residue is
// held idle instead of redeposited as collateral.
func (o *Overlay) SetDustThreshold(caller [20]byte, dust *big.Int) error {
	if caller != o.admin {
		return fmt.Errorf("leverage: dust threshold is admin-only: %w", nativecommon.ErrUnauthorized)
	}
	if dust == nil || dust.Sign() < 0 {
		return fmt.Errorf("leverage: dust threshold must be non-negative: %w", nativecommon.ErrInvalidData)
	}
	o.dust = new(big.Int).Set(dust)
	return nil
}

// SetParams validates and applies new leverage parameters. The venue bound
// is checked here, once, so a target that can breach the collateral factor
// is rejected eagerly rather than detected stake by stake.
func (o *Overlay) SetParams(caller [20]byte, params Params) error {
	if o == nil || o.market == nil {
		return errNilMarket
	}
	if caller != o.admin {
		return fmt.Errorf("leverage: parameter change is admin-only: %w", nativecommon.ErrUnauthorized)
	}
	ltv, err := o.market.CollateralFactorBps(o.primaryToken)
	if err != nil {
		return err
	}
	if err := params.validate(ltv); err != nil {
		return err
	}
	o.params = params
	return nil
}

// Params returns the active leverage parameters.
func (o *Overlay) Params() Params { return o.params }

func (o *Overlay) ready() error {
	switch {
	case o == nil || o.inner == nil:
		return errNilInner
	case o.market == nil:
		return errNilMarket
	case o.loans == nil:
		return errNilLoans
	case o.swapper == nil:
		return errNilSwapper
	case o.oracle == nil:
		return errNilOracle
	case o.instructions == nil:
		return errNilInstructions
	}
	return nil
}

func (o *Overlay) enter() error {
	if o.busy {
		return errReentrant
	}
	o.busy = true
	return nil
}

func (o *Overlay) exit() { o.busy = false }

func (o *Overlay) nextOpID() [32]byte {
	o.nonce++
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(o.nonce >> (8 * i))
	}
	return ethcrypto.Keccak256Hash([]byte(o.primaryToken), []byte(o.debtToken), buf)
}

// Stake opens a leveraged position on the primary input. For every other
// index it is a pass-through.
func (o *Overlay) Stake(index int, amount *big.Int) error {
	if o == nil || o.inner == nil {
		return errNilInner
	}
	if index != o.primaryIndex {
		return o.inner.Stake(index, amount)
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if o.params.TargetLeverage <= 100 {
		return o.inner.Stake(index, amount)
	}
	if err := o.ready(); err != nil {
		return err
	}
	if err := o.enter(); err != nil {
		return err
	}
	defer o.exit()

	// The borrowed leg is shaved by the haircut, so the drawn loan must be
	// sized off the post-haircut debt or the cycle could never repay it.
	debtPrimary := new(big.Int).Mul(amount, new(big.Int).SetUint64(o.params.TargetLeverage-100))
	debtPrimary.Quo(debtPrimary, big.NewInt(100))
	haircut := new(big.Int).Mul(debtPrimary, new(big.Int).SetUint64(o.params.HaircutBps))
	haircut.Quo(haircut, basisPoints)
	debtPrimary.Sub(debtPrimary, haircut)
	loan := new(big.Int).Add(amount, debtPrimary)
	op := &pendingOp{
		id:        o.nextOpID(),
		entry:     true,
		principal: new(big.Int).Set(amount),
		borrow:    debtPrimary,
	}
	o.pending = op
	err := o.loans.FlashBorrow(o, o.primaryToken, loan, op.id[:])
	if o.pending != nil {
		o.pending = nil
		if err == nil {
			err = fmt.Errorf("leverage: loan provider skipped the callback: %w", nativecommon.ErrInvalidData)
		}
	}
	if err != nil {
		return err
	}
	collateral, debt, statErr := o.positionStats()
	if statErr != nil {
		return statErr
	}
	o.emitter.Emit(events.LeverageOpened{
		Principal:       new(big.Int).Set(amount),
		LoanDrawn:       loan,
		CollateralAfter: collateral,
		DebtAfter:       debt,
		TargetLeverage:  o.params.TargetLeverage,
	})
	return nil
}

// Unstake closes part of the leveraged position and returns the net primary
// amount released. Requests above the position's net value are capped.
func (o *Overlay) Unstake(index int, amount *big.Int) (*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	if index != o.primaryIndex {
		return o.inner.Unstake(index, amount)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := o.ready(); err != nil {
		return nil, err
	}
	debt, err := o.market.DebtOf(o.debtToken)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return o.inner.Unstake(index, amount)
	}
	if err := o.enter(); err != nil {
		return nil, err
	}
	defer o.exit()

	collateral, err := o.inner.InvestedValue(o.primaryIndex)
	if err != nil {
		return nil, err
	}
	debtPrimary, err := o.oracle.Convert(o.debtToken, debt, o.primaryToken)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(collateral, debtPrimary)
	if net.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %w", errUnderwater, nativecommon.ErrInsufficientLiquidity)
	}
	request := new(big.Int).Set(amount)
	if request.Cmp(net) > 0 {
		request.Set(net)
	}
	repayPrimary := new(big.Int).Mul(debtPrimary, request)
	repayPrimary.Quo(repayPrimary, net)
	if repayPrimary.Sign() == 0 {
		return o.inner.Unstake(index, request)
	}
	// Flash slightly more than the repayment mark so swap slippage on the
	// buy-back leg cannot strand the cycle short of debt tokens.
	flashAmount := new(big.Int).Mul(repayPrimary, new(big.Int).SetUint64(10_000+o.params.HaircutBps))
	flashAmount.Quo(flashAmount, basisPoints)

	op := &pendingOp{id: o.nextOpID(), entry: false, request: request}
	o.pending = op
	o.released = nil
	err = o.loans.FlashBorrow(o, o.primaryToken, flashAmount, op.id[:])
	if o.pending != nil {
		o.pending = nil
		if err == nil {
			err = fmt.Errorf("leverage: loan provider skipped the callback: %w", nativecommon.ErrInvalidData)
		}
	}
	if err != nil {
		return nil, err
	}
	released := o.released
	o.released = nil
	if released == nil {
		released = big.NewInt(0)
	}
	collateralAfter, debtAfter, statErr := o.positionStats()
	if statErr != nil {
		return nil, statErr
	}
	o.emitter.Emit(events.LeverageClosed{
		Requested:       new(big.Int).Set(amount),
		Released:        new(big.Int).Set(released),
		CollateralAfter: collateralAfter,
		DebtAfter:       debtAfter,
	})
	return released, nil
}

// OnFlashLoan is the loan provider callback. It dispatches to the entry or
// exit half of the pending cycle; any error unwinds the draw.
func (o *Overlay) OnFlashLoan(token string, amount, fee *big.Int, data []byte) error {
	op := o.pending
	if op == nil || token != o.primaryToken || !bytes.Equal(data, op.id[:]) {
		return fmt.Errorf("leverage: unexpected loan callback: %w", nativecommon.ErrUnauthorized)
	}
	o.pending = nil
	if op.entry {
		return o.openPosition(amount, fee, op.principal, op.borrow)
	}
	return o.closePosition(amount, fee, op.request)
}

// openPosition runs inside the entry callback. loan is the drawn amount,
// principal the caller's original stake held by the overlay, debtPrimary
// the primary-denominated size of the secondary leg to borrow.
func (o *Overlay) openPosition(loan, fee, principal, debtPrimary *big.Int) error {
	if err := o.inner.Stake(o.primaryIndex, loan); err != nil {
		return err
	}
	proceeds := big.NewInt(0)
	if debtPrimary.Sign() > 0 {
		debtAmount, err := o.oracle.Convert(o.primaryToken, debtPrimary, o.debtToken)
		if err != nil {
			return err
		}
		if err := o.market.Borrow(o.debtToken, debtAmount); err != nil {
			return err
		}
		instr, err := o.instructions.Build(o.debtToken, o.primaryToken)
		if err != nil || len(instr) == 0 {
			return fmt.Errorf("leverage: no swap instruction for %s->%s: %w", o.debtToken, o.primaryToken, nativecommon.ErrInvalidData)
		}
		received, _, err := o.swapper.Swap(o.debtToken, o.primaryToken, debtAmount, instr)
		if err != nil {
			return err
		}
		proceeds = received
	}
	owed := new(big.Int).Add(loan, fee)
	available := new(big.Int).Add(proceeds, principal)
	available.Add(available, o.idle)
	if available.Cmp(owed) < 0 {
		return fmt.Errorf("leverage: proceeds %s cannot cover loan %s: %w", available, owed, nativecommon.ErrAmountTooLow)
	}
	leftover := new(big.Int).Sub(available, owed)
	o.idle = big.NewInt(0)
	if leftover.Sign() > 0 && leftover.Cmp(o.dust) >= 0 {
		return o.inner.Stake(o.primaryIndex, leftover)
	}
	o.idle = leftover
	return nil
}

// closePosition runs inside the exit callback. loan is the flashed primary
// amount used to buy back the secondary leg; request is the net collateral
// the caller asked to release.
func (o *Overlay) closePosition(loan, fee, request *big.Int) error {
	instr, err := o.instructions.Build(o.primaryToken, o.debtToken)
	if err != nil || len(instr) == 0 {
		return fmt.Errorf("leverage: no swap instruction for %s->%s: %w", o.primaryToken, o.debtToken, nativecommon.ErrInvalidData)
	}
	received, spent, err := o.swapper.Swap(o.primaryToken, o.debtToken, loan, instr)
	if err != nil {
		return err
	}
	leftover := new(big.Int).Sub(loan, spent)
	debt, err := o.market.DebtOf(o.debtToken)
	if err != nil {
		return err
	}
	repay := new(big.Int).Set(received)
	if repay.Cmp(debt) > 0 {
		repay.Set(debt)
	}
	if err := o.market.RepayBorrow(o.debtToken, repay); err != nil {
		return err
	}
	gross := new(big.Int).Add(request, spent)
	withdrawn, err := o.inner.Unstake(o.primaryIndex, gross)
	if err != nil {
		return err
	}
	owed := new(big.Int).Add(loan, fee)
	available := new(big.Int).Add(withdrawn, leftover)
	available.Add(available, o.idle)
	if available.Cmp(owed) < 0 {
		return fmt.Errorf("leverage: withdrawal %s cannot settle loan %s: %w", available, owed, nativecommon.ErrAmountTooLow)
	}
	o.idle = big.NewInt(0)
	o.released = new(big.Int).Sub(available, owed)
	return nil
}

func (o *Overlay) positionStats() (*big.Int, *big.Int, error) {
	collateral, err := o.inner.InvestedValue(o.primaryIndex)
	if err != nil {
		return nil, nil, err
	}
	debt, err := o.market.DebtOf(o.debtToken)
	if err != nil {
		return nil, nil, err
	}
	return collateral, debt, nil
}

// InvestedValue reports the primary position net of outstanding debt. Other
// indexes pass through.
func (o *Overlay) InvestedValue(index int) (*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	if index != o.primaryIndex {
		return o.inner.InvestedValue(index)
	}
	collateral, err := o.inner.InvestedValue(index)
	if err != nil {
		return nil, err
	}
	if o.market == nil || o.oracle == nil {
		return collateral, nil
	}
	debt, err := o.market.DebtOf(o.debtToken)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return collateral, nil
	}
	debtPrimary, err := o.oracle.Convert(o.debtToken, debt, o.primaryToken)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(collateral, debtPrimary)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	return net, nil
}

// NativeToInput passes through to the inner adapter.
func (o *Overlay) NativeToInput(index int, amount *big.Int) (*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	return o.inner.NativeToInput(index, amount)
}

// InputToNative passes through to the inner adapter.
func (o *Overlay) InputToNative(index int, amount *big.Int) (*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	return o.inner.InputToNative(index, amount)
}

// RewardsAvailable passes through to the inner adapter.
func (o *Overlay) RewardsAvailable() ([]*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	return o.inner.RewardsAvailable()
}

// ClaimRewards passes through to the inner adapter.
func (o *Overlay) ClaimRewards() ([]*big.Int, error) {
	if o == nil || o.inner == nil {
		return nil, errNilInner
	}
	return o.inner.ClaimRewards()
}

// RewardTokens passes through to the inner adapter.
func (o *Overlay) RewardTokens() []string {
	if o == nil || o.inner == nil {
		return nil
	}
	return o.inner.RewardTokens()
}
