package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"allocvault/core/events"
	nativecommon "allocvault/native/common"
)

var errRequestNotFound = errors.New("vault engine: withdrawal request not found")

// RequestWithdraw escrows the owner's shares into a pending withdrawal
// request snapshotted at the current share price. The request identifier is
// returned for later claim or cancellation.
func (e *Engine) RequestWithdraw(owner [20]byte, shares *big.Int) ([32]byte, error) {
	var id [32]byte
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
		bal, err := e.balanceOf(owner)
		if err != nil {
			return err
		}
		if bal.Cmp(shares) < 0 {
			return fmt.Errorf("vault engine: request exceeds owned shares: %w", nativecommon.ErrUnauthorized)
		}
		price, err := sharePrice(v)
		if err != nil {
			return err
		}
		now := e.now()
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], v.RequestNonce)
		id = ethcrypto.Keccak256Hash(owner[:], seq[:])
		v.RequestNonce++

		if err := e.state.PutBalance(owner, new(big.Int).Sub(bal, shares)); err != nil {
			return err
		}
		v.EscrowedShares = new(big.Int).Add(v.EscrowedShares, shares)

		req := &WithdrawalRequest{
			ID:             id,
			Owner:          owner,
			Shares:         new(big.Int).Set(shares),
			SnapshotPrice:  price,
			RequestedAt:    now,
			ClaimableAfter: now + e.cooldown,
			ReservedAmount: big.NewInt(0),
			Status:         RequestPending,
		}
		if err := e.state.PutRequest(req); err != nil {
			return err
		}
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		e.emit(events.WithdrawalRequested{
			ID:             id,
			Owner:          owner,
			Shares:         new(big.Int).Set(shares),
			SnapshotPrice:  new(big.Int).Set(price),
			RequestedAt:    now,
			ClaimableAfter: req.ClaimableAfter,
		})
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// CancelRequest returns the escrowed shares to the owner with no penalty.
// Cancellation is available any time prior to claim.
func (e *Engine) CancelRequest(owner [20]byte, id [32]byte) error {
	return e.run(func() error {
		req, err := e.loadRequest(id)
		if err != nil {
			return err
		}
		if req.Owner != owner {
			return fmt.Errorf("vault engine: cancel is owner-only: %w", nativecommon.ErrUnauthorized)
		}
		if req.Status != RequestPending && req.Status != RequestClaimable {
			return fmt.Errorf("vault engine: cannot cancel request in status %s: %w", req.Status, nativecommon.ErrInvalidData)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		bal, err := e.balanceOf(owner)
		if err != nil {
			return err
		}
		if err := e.state.PutBalance(owner, new(big.Int).Add(bal, req.Shares)); err != nil {
			return err
		}
		v.EscrowedShares = new(big.Int).Sub(v.EscrowedShares, req.Shares)
		if req.Status == RequestClaimable && req.ReservedAmount.Sign() > 0 {
			v.ReservedPayout = new(big.Int).Sub(v.ReservedPayout, req.ReservedAmount)
			req.ReservedAmount = big.NewInt(0)
		}
		req.Status = RequestCancelled
		if err := e.state.PutRequest(req); err != nil {
			return err
		}
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		e.emit(events.WithdrawalCancelled{ID: id, Owner: owner, Shares: new(big.Int).Set(req.Shares)})
		return nil
	})
}

// Claim burns the escrowed shares of a claimable request at the lesser of the
// snapshot price and the current price, paying out from reserved idle cash.
func (e *Engine) Claim(owner [20]byte, id [32]byte, receiver [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := e.run(func() error {
		req, err := e.loadRequest(id)
		if err != nil {
			return err
		}
		if req.Owner != owner {
			return fmt.Errorf("vault engine: claim is owner-only: %w", nativecommon.ErrUnauthorized)
		}
		if req.Status == RequestPending {
			return fmt.Errorf("%w: request still pending", errNotClaimable)
		}
		if req.Status != RequestClaimable {
			return fmt.Errorf("vault engine: cannot claim request in status %s: %w", req.Status, nativecommon.ErrInvalidData)
		}
		if e.now() < req.ClaimableAfter {
			return fmt.Errorf("%w: cooldown has not elapsed", errNotClaimable)
		}
		v, err := e.ensureVault()
		if err != nil {
			return err
		}
		if err := e.accrue(v); err != nil {
			return err
		}
		current, err := sharePrice(v)
		if err != nil {
			return err
		}
		// Claim delay must not capture later appreciation.
		price := minBig(new(big.Int).Set(req.SnapshotPrice), current)
		value := new(big.Int).Mul(req.Shares, price)
		value.Quo(value, ray)
		fee := big.NewInt(0)
		if !v.IsExempt(owner) {
			fee = mulBps(value, v.Fees.ExitBps)
		}
		out := new(big.Int).Sub(value, fee)
		if out.Sign() < 0 {
			out = big.NewInt(0)
		}
		if v.IdleCash.Cmp(out) < 0 {
			return fmt.Errorf("vault engine: reserved payout exceeds idle cash: %w", nativecommon.ErrInsufficientLiquidity)
		}
		remainingAssets := new(big.Int).Sub(v.TotalAssets, value)
		remainingSupply := new(big.Int).Sub(v.TotalSupply, req.Shares)
		if remainingSupply.Sign() > 0 && remainingAssets.Sign() == 0 {
			return errTotalLoss
		}
		v.TotalSupply = remainingSupply
		v.TotalAssets = remainingAssets
		v.IdleCash = new(big.Int).Sub(v.IdleCash, out)
		v.AccruedFees = new(big.Int).Add(v.AccruedFees, fee)
		v.EscrowedShares = new(big.Int).Sub(v.EscrowedShares, req.Shares)
		if req.ReservedAmount.Sign() > 0 {
			v.ReservedPayout = new(big.Int).Sub(v.ReservedPayout, req.ReservedAmount)
		}
		req.Status = RequestClaimed
		req.ReservedAmount = big.NewInt(0)
		if err := e.state.PutRequest(req); err != nil {
			return err
		}
		if err := e.state.PutVault(v); err != nil {
			return err
		}
		paid = out
		e.emit(events.WithdrawalClaimed{
			ID:        id,
			Owner:     owner,
			Receiver:  receiver,
			Shares:    new(big.Int).Set(req.Shares),
			AmountOut: new(big.Int).Set(out),
			PriceUsed: price,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// Request returns a copy of the withdrawal request, or nil when unknown.
func (e *Engine) Request(id [32]byte) (*WithdrawalRequest, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	req, err := e.state.GetRequest(id)
	if err != nil {
		return nil, err
	}
	return req.Clone(), nil
}

// FundRedemptions walks pending requests in FIFO order and flips those whose
// payout the unreserved idle cash now covers to claimable, earmarking the
// cash so later synchronous withdrawals cannot strand them. Called by the
// allocation router after a liquidation replenishes idle cash; harmless to
// call at any time.
func (e *Engine) FundRedemptions() error {
	return e.run(func() error {
		return e.fundRedemptionsLocked()
	})
}

// fundRedemptionsLocked is the body of FundRedemptions for callers already
// inside an engine operation.
func (e *Engine) fundRedemptionsLocked() error {
	v, err := e.ensureVault()
	if err != nil {
		return err
	}
	if err := e.accrue(v); err != nil {
		return err
	}
	pending, err := e.state.PendingRequests()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return e.state.PutVault(v)
	}
	current, err := sharePrice(v)
	if err != nil {
		return err
	}
	available := new(big.Int).Sub(v.IdleCash, v.ReservedPayout)
	available.Sub(available, v.MinLiquidity)
	for _, req := range pending {
		if req == nil || req.Status != RequestPending {
			continue
		}
		price := minBig(new(big.Int).Set(req.SnapshotPrice), current)
		need := new(big.Int).Mul(req.Shares, price)
		need.Quo(need, ray)
		if available.Cmp(need) < 0 {
			break
		}
		available.Sub(available, need)
		v.ReservedPayout = new(big.Int).Add(v.ReservedPayout, need)
		req.Status = RequestClaimable
		req.ReservedAmount = need
		if err := e.state.PutRequest(req); err != nil {
			return err
		}
		e.emit(events.WithdrawalClaimable{ID: req.ID, Owner: req.Owner, Shares: new(big.Int).Set(req.Shares)})
	}
	return e.state.PutVault(v)
}

func (e *Engine) loadRequest(id [32]byte) (*WithdrawalRequest, error) {
	req, err := e.state.GetRequest(id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errRequestNotFound
	}
	if req.Shares == nil {
		req.Shares = big.NewInt(0)
	}
	if req.SnapshotPrice == nil {
		req.SnapshotPrice = big.NewInt(0)
	}
	if req.ReservedAmount == nil {
		req.ReservedAmount = big.NewInt(0)
	}
	return req, nil
}
