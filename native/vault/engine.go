package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"allocvault/core/events"
	nativecommon "allocvault/native/common"
)

var (
	errNilState      = errors.New("vault engine: state not configured")
	errNilVault      = errors.New("vault engine: vault record not initialised")
	errInvalidAmount = errors.New("vault engine: amount must be positive")
	errReentrant     = errors.New("vault engine: operation already in progress")
	errTotalLoss     = errors.New("vault engine: share price would collapse to zero with nonzero supply")
	errZeroShares    = errors.New("vault engine: computed share amount is zero")
	errNotClaimable  = errors.New("vault engine: request not yet claimable")
)

var (
	basisPoints = big.NewInt(10_000)
	ray         = big.NewInt(1_000_000_000_000_000_000)
)

const secondsPerYear = 31_536_000

const moduleName = "vault"

type engineState interface {
	GetVault() (*Vault, error)
	PutVault(*Vault) error
	GetBalance(addr [20]byte) (*big.Int, error)
	PutBalance(addr [20]byte, balance *big.Int) error
	GetRequest(id [32]byte) (*WithdrawalRequest, error)
	PutRequest(*WithdrawalRequest) error
	// PendingRequests returns requests in creation order whose status is
	// still pending.
	PendingRequests() ([]*WithdrawalRequest, error)
	Snapshot() int
	RevertToSnapshot(int)
}

// Engine orchestrates the share ledger: deposits, redemptions, fee accrual
// and the asynchronous withdrawal queue. Every public entry point is atomic:
// it runs to completion or reverts all state changes through the journal.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	admin    [20]byte
	manager  [20]byte
	keeper   [20]byte
	cooldown int64
	nowFn    func() int64
	busy     bool
}

// NewEngine constructs a vault engine with a no-op event emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetRoles configures the admin, manager and keeper addresses checked as
// preconditions on gated entry points.
func (e *Engine) SetRoles(admin, manager, keeper [20]byte) {
	if e == nil {
		return
	}
	e.admin = admin
	e.manager = manager
	e.keeper = keeper
}

// Keeper returns the configured keeper address.
func (e *Engine) Keeper() [20]byte {
	if e == nil {
		return [20]byte{}
	}
	return e.keeper
}

// SetCooldown configures the withdrawal request cooldown in seconds.
func (e *Engine) SetCooldown(seconds int64) {
	if e == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	e.cooldown = seconds
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// enter takes the engine-wide mutual exclusion flag guarding against a callee
// re-entering a state-mutating operation before it completes.
func (e *Engine) enter() error {
	if e.busy {
		return errReentrant
	}
	e.busy = true
	return nil
}

func (e *Engine) exit() { e.busy = false }

// run wraps an engine operation with the reentrancy flag, pause guard and the
// state journal so a failure reverts every mutation the body performed.
func (e *Engine) run(body func() error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	snap := e.state.Snapshot()
	if err := body(); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (e *Engine) ensureVault() (*Vault, error) {
	v, err := e.state.GetVault()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errNilVault
	}
	for _, field := range []**big.Int{
		&v.TotalSupply, &v.TotalAssets, &v.IdleCash, &v.Invested,
		&v.AccruedFees, &v.ReservedPayout, &v.EscrowedShares, &v.MinLiquidity,
	} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if v.HighWaterMark == nil || v.HighWaterMark.Sign() == 0 {
		v.HighWaterMark = new(big.Int).Set(ray)
	}
	return v, nil
}

func (e *Engine) balanceOf(addr [20]byte) (*big.Int, error) {
	bal, err := e.state.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// sharePrice returns the ray-scaled price implied by the vault totals. A zero
// valuation with nonzero supply indicates total loss and is fatal for the
// calling operation.
func sharePrice(v *Vault) (*big.Int, error) {
	if v.TotalSupply.Sign() == 0 {
		return new(big.Int).Set(ray), nil
	}
	if v.TotalAssets.Sign() == 0 {
		return nil, errTotalLoss
	}
	price := new(big.Int).Mul(v.TotalAssets, ray)
	return price.Quo(price, v.TotalSupply), nil
}

func mulBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Initialize writes the genesis vault record with the given fee schedule and
// liquidity floor. Initializing twice fails; an existing ledger is never
// overwritten.
func (e *Engine) Initialize(fees FeeConfig, minLiquidity *big.Int) error {
	return e.run(func() error {
		existing, err := e.state.GetVault()
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("vault engine: ledger already initialised: %w", nativecommon.ErrInvalidData)
		}
		for _, bps := range []uint64{fees.PerfBps, fees.MgmtBps, fees.EntryBps, fees.ExitBps, fees.FlashBps} {
			if bps > 10_000 {
				return fmt.Errorf("vault engine: fee bps out of range: %w", nativecommon.ErrInvalidData)
			}
		}
		floor := big.NewInt(0)
		if minLiquidity != nil {
			if minLiquidity.Sign() < 0 {
				return fmt.Errorf("vault engine: liquidity floor must be non-negative: %w", nativecommon.ErrInvalidData)
			}
			floor.Set(minLiquidity)
		}
		v := &Vault{
			TotalSupply:    big.NewInt(0),
			TotalAssets:    big.NewInt(0),
			IdleCash:       big.NewInt(0),
			Invested:       big.NewInt(0),
			AccruedFees:    big.NewInt(0),
			ReservedPayout: big.NewInt(0),
			EscrowedShares: big.NewInt(0),
			HighWaterMark:  new(big.Int).Set(ray),
			LastAccrual:    e.now(),
			MinLiquidity:   floor,
			Fees:           fees,
		}
		return e.state.PutVault(v)
	})
}

// Deposit credits amount of base tokens from the depositor and mints shares
// to the receiver pro rata at the post-accrual share price. The entry fee is
// skipped for exempt accounts. The minted share count is returned.
func (e *Engine) Deposit(from [20]byte, amount *big.Int, receiver [20]byte) (*big.Int, error) {
	var minted *big.Int
	err := e.run(func() error {
		if amount == nil || amount.Sign() <= 0 {
			return errInvalidAmount
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		fee := big.NewInt(0)
		if !v.IsExempt(from) {
			fee = mulBps(amount, v.Fees.EntryBps)
		}
		net := new(big.Int).Sub(amount, fee)
		if net.Sign() <= 0 {
			return fmt.Errorf("vault engine: deposit consumed by entry fee: %w", nativecommon.ErrAmountTooLow)
		}
		shares := new(big.Int)
		if v.TotalSupply.Sign() == 0 {
			shares.Set(net)
		} else {
			if v.TotalAssets.Sign() == 0 {
				return errTotalLoss
			}
			shares.Mul(net, v.TotalSupply)
			shares.Quo(shares, v.TotalAssets)
		}
		if shares.Sign() == 0 {
			return fmt.Errorf("%w: %s", errZeroShares, nativecommon.ErrAmountTooLow)
		}
		bal, err := e.balanceOf(receiver)
		if err != nil {
			return err
		}
		if err := e.state.PutBalance(receiver, new(big.Int).Add(bal, shares)); err != nil {
			return err
		}
		v.TotalSupply = new(big.Int).Add(v.TotalSupply, shares)
		v.TotalAssets = new(big.Int).Add(v.TotalAssets, net)
		v.IdleCash = new(big.Int).Add(v.IdleCash, amount)
		v.AccruedFees = new(big.Int).Add(v.AccruedFees, fee)
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		minted = shares
		e.emit(events.VaultDeposited{
			From:         from,
			Receiver:     receiver,
			Amount:       new(big.Int).Set(amount),
			FeePaid:      fee,
			SharesMinted: new(big.Int).Set(shares),
			SupplyAfter:  new(big.Int).Set(v.TotalSupply),
			AssetsAfter:  new(big.Int).Set(v.TotalAssets),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Mint deposits exactly enough base tokens to mint the requested share count
// and returns the total amount charged, entry fee included.
func (e *Engine) Mint(from [20]byte, shares *big.Int, receiver [20]byte) (*big.Int, error) {
	var charged *big.Int
	err := e.run(func() error {
		if shares == nil || shares.Sign() <= 0 {
			return errInvalidAmount
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		amount := new(big.Int)
		if v.TotalSupply.Sign() == 0 {
			amount.Set(shares)
		} else {
			if v.TotalAssets.Sign() == 0 {
				return errTotalLoss
			}
			// Round assets up so minting never undercharges.
			amount.Mul(shares, v.TotalAssets)
			amount.Add(amount, new(big.Int).Sub(v.TotalSupply, big.NewInt(1)))
			amount.Quo(amount, v.TotalSupply)
		}
		fee := big.NewInt(0)
		if !v.IsExempt(from) {
			fee = mulBps(amount, v.Fees.EntryBps)
		}
		total := new(big.Int).Add(amount, fee)
		bal, err := e.balanceOf(receiver)
		if err != nil {
			return err
		}
		if err := e.state.PutBalance(receiver, new(big.Int).Add(bal, shares)); err != nil {
			return err
		}
		v.TotalSupply = new(big.Int).Add(v.TotalSupply, shares)
		v.TotalAssets = new(big.Int).Add(v.TotalAssets, amount)
		v.IdleCash = new(big.Int).Add(v.IdleCash, total)
		v.AccruedFees = new(big.Int).Add(v.AccruedFees, fee)
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		charged = total
		e.emit(events.VaultDeposited{
			From:         from,
			Receiver:     receiver,
			Amount:       new(big.Int).Set(total),
			FeePaid:      fee,
			SharesMinted: new(big.Int).Set(shares),
			SupplyAfter:  new(big.Int).Set(v.TotalSupply),
			AssetsAfter:  new(big.Int).Set(v.TotalAssets),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charged, nil
}

// Withdraw burns shares worth the requested base amount and pays the amount
// net of exit fee from idle cash. It fails with an insufficient liquidity
// error when idle cash minus reservations and the minimum liquidity floor
// cannot cover the payout; callers fall back to RequestWithdraw.
func (e *Engine) Withdraw(owner [20]byte, amount *big.Int, receiver [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := e.run(func() error {
		if amount == nil || amount.Sign() <= 0 {
			return errInvalidAmount
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		if v.TotalSupply.Sign() == 0 {
			return fmt.Errorf("vault engine: no shares outstanding: %w", nativecommon.ErrInvalidData)
		}
		if v.TotalAssets.Sign() == 0 {
			return errTotalLoss
		}
		// Round shares up so withdrawing never overpays.
		shares := new(big.Int).Mul(amount, v.TotalSupply)
		shares.Add(shares, new(big.Int).Sub(v.TotalAssets, big.NewInt(1)))
		shares.Quo(shares, v.TotalAssets)
		out, err := e.redeemShares(v, owner, shares, amount, receiver)
		if err != nil {
			return err
		}
		paid = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// Redeem burns the requested share count and pays the proportional base
// amount net of exit fee from idle cash.
func (e *Engine) Redeem(owner [20]byte, shares *big.Int, receiver [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := e.run(func() error {
		if shares == nil || shares.Sign() <= 0 {
			return errInvalidAmount
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		if v.TotalSupply.Sign() == 0 {
			return fmt.Errorf("vault engine: no shares outstanding: %w", nativecommon.ErrInvalidData)
		}
		if v.TotalAssets.Sign() == 0 {
			return errTotalLoss
		}
		value := new(big.Int).Mul(shares, v.TotalAssets)
		value.Quo(value, v.TotalSupply)
		out, err := e.redeemShares(v, owner, shares, value, receiver)
		if err != nil {
			return err
		}
		paid = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// redeemShares burns shares valued at value base units from the owner's
// transferable balance and pays value minus exit fee to the receiver.
func (e *Engine) redeemShares(v *Vault, owner [20]byte, shares, value *big.Int, receiver [20]byte) (*big.Int, error) {
	bal, err := e.balanceOf(owner)
	if err != nil {
		return nil, err
	}
	if bal.Cmp(shares) < 0 {
		return nil, fmt.Errorf("vault engine: redeem exceeds balance: %w", nativecommon.ErrUnauthorized)
	}
	fee := big.NewInt(0)
	if !v.IsExempt(owner) {
		fee = mulBps(value, v.Fees.ExitBps)
	}
	out := new(big.Int).Sub(value, fee)
	if out.Sign() < 0 {
		out = big.NewInt(0)
	}
	available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
	available.Sub(available, v.MinLiquidity)
	if available.Cmp(out) < 0 {
		return nil, fmt.Errorf("vault engine: idle cash cannot cover synchronous redemption: %w", nativecommon.ErrInsufficientLiquidity)
	}
	remainingAssets := new(big.Int).Sub(v.TotalAssets, value)
	remainingSupply := new(big.Int).Sub(v.TotalSupply, shares)
	if remainingSupply.Sign() > 0 && remainingAssets.Sign() == 0 {
		return nil, errTotalLoss
	}
	if err := e.state.PutBalance(owner, new(big.Int).Sub(bal, shares)); err != nil {
		return nil, err
	}
	v.TotalSupply = remainingSupply
	v.TotalAssets = remainingAssets
	v.IdleCash = new(big.Int).Sub(v.IdleCash, out)
	v.AccruedFees = new(big.Int).Add(v.AccruedFees, fee)
	if err := e.state.PutVault(v); err != nil {
		return nil, err
	}
	e.emit(events.VaultWithdrawn{
		Owner:        owner,
		Receiver:     receiver,
		SharesBurned: new(big.Int).Set(shares),
		AmountOut:    new(big.Int).Set(out),
		FeePaid:      fee,
		SupplyAfter:  new(big.Int).Set(v.TotalSupply),
		AssetsAfter:  new(big.Int).Set(v.TotalAssets),
	})
	return out, nil
}

// Transfer moves shares between accounts. Escrowed shares are excluded from
// the sender's transferable balance by construction.
func (e *Engine) Transfer(from, to [20]byte, shares *big.Int) error {
	return e.run(func() error {
		if shares == nil || shares.Sign() <= 0 {
			return errInvalidAmount
		}
		fromBal, err := e.balanceOf(from)
		if err != nil {
			return err
		}
		if fromBal.Cmp(shares) < 0 {
			return fmt.Errorf("vault engine: transfer exceeds balance: %w", nativecommon.ErrUnauthorized)
		}
		toBal, err := e.balanceOf(to)
		if err != nil {
			return err
		}
		if err := e.state.PutBalance(from, new(big.Int).Sub(fromBal, shares)); err != nil {
			return err
		}
		if err := e.state.PutBalance(to, new(big.Int).Add(toBal, shares)); err != nil {
			return err
		}
		e.emit(events.VaultSharesTransferred{From: from, To: to, Shares: new(big.Int).Set(shares)})
		return nil
	})
}

// BalanceOf returns the transferable share balance of the account.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	bal, err := e.balanceOf(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(bal), nil
}

// SharePrice returns the current ray-scaled share price.
func (e *Engine) SharePrice() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	v, err := e.ensureVault()
	if err != nil {
		return nil, err
	}
	return sharePrice(v)
}

// CollectFees sweeps accrued fees, bounded by idle cash, to the recipient.
// Collecting with zero accrued fees is a no-op returning 0, not an error.
func (e *Engine) CollectFees(caller, recipient [20]byte) (*big.Int, error) {
	collected := big.NewInt(0)
	err := e.run(func() error {
		if caller != e.manager {
			return fmt.Errorf("vault engine: fee collection is manager-only: %w", nativecommon.ErrUnauthorized)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		if v.AccruedFees.Sign() == 0 {
			return e.state.PutVault(v)
		}
		before := new(big.Int).Set(v.AccruedFees)
		available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
		amount := minBig(new(big.Int).Set(v.AccruedFees), available)
		if amount.Sign() <= 0 {
			return e.state.PutVault(v)
		}
		v.AccruedFees = new(big.Int).Sub(v.AccruedFees, amount)
		v.IdleCash = new(big.Int).Sub(v.IdleCash, amount)
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		collected = amount
		e.emit(events.VaultFeesCollected{
			Recipient:     recipient,
			Collected:     new(big.Int).Set(amount),
			AccruedBefore: before,
			AccruedAfter:  new(big.Int).Set(v.AccruedFees),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collected, nil
}

// SetFees replaces the fee schedule. Admin-only.
func (e *Engine) SetFees(caller [20]byte, fees FeeConfig) error {
	return e.run(func() error {
		if caller != e.admin {
			return fmt.Errorf("vault engine: fee configuration is admin-only: %w", nativecommon.ErrUnauthorized)
		}
		for _, bps := range []uint64{fees.PerfBps, fees.MgmtBps, fees.EntryBps, fees.ExitBps, fees.FlashBps} {
			if bps > 10_000 {
				return fmt.Errorf("vault engine: fee bps out of range: %w", nativecommon.ErrInvalidData)
			}
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		v.Fees = fees
		return e.state.PutVault(v)
	})
}

// SetMinLiquidity replaces the idle-cash floor. Admin-only.
func (e *Engine) SetMinLiquidity(caller [20]byte, floor *big.Int) error {
	return e.run(func() error {
		if caller != e.admin {
			return fmt.Errorf("vault engine: liquidity floor is admin-only: %w", nativecommon.ErrUnauthorized)
		}
		if floor == nil || floor.Sign() < 0 {
			return fmt.Errorf("vault engine: liquidity floor must be non-negative: %w", nativecommon.ErrInvalidData)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		v.MinLiquidity = new(big.Int).Set(floor)
		return e.state.PutVault(v)
	})
}

// SetFeeExemption toggles an account's fee exemption. Admin-only.
func (e *Engine) SetFeeExemption(caller, account [20]byte, exempt bool) error {
	return e.run(func() error {
		if caller != e.admin {
			return fmt.Errorf("vault engine: exemption list is admin-only: %w", nativecommon.ErrUnauthorized)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		v.SetExempt(account, exempt)
		return e.state.PutVault(v)
	})
}
