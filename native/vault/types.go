package vault

import (
	"encoding/hex"
	"math/big"
)

// FeeConfig groups the vault fee schedule. All rates are expressed in basis
// points for deterministic accounting.
type FeeConfig struct {
	// PerfBps is charged on share-price gains above the high-water mark.
	PerfBps uint64
	// MgmtBps accrues continuously on total accounted assets per year.
	MgmtBps uint64
	// EntryBps is a haircut on deposited amounts.
	EntryBps uint64
	// ExitBps is a haircut on withdrawn amounts.
	ExitBps uint64
	// FlashBps is charged on flash-loan style draws against idle cash.
	FlashBps uint64
}

// Vault captures the global share-ledger accounting state. Amount values are
// denominated in the base token and expressed as big integers.
//
// Accounting identity maintained at every accrual point:
//
//	IdleCash + Invested == TotalAssets + AccruedFees
//
// TotalAssets is the depositor-owned valuation backing the share price;
// AccruedFees is the accrued-and-unclaimed fee liability carved out of it.
type Vault struct {
	// TotalSupply is the outstanding share count, escrowed shares included.
	TotalSupply *big.Int
	// TotalAssets is the base-denomination valuation marked at last accrual.
	TotalAssets *big.Int
	// IdleCash is the base-token balance not deployed to any input.
	IdleCash *big.Int
	// Invested is the aggregate position valuation recorded by the router.
	Invested *big.Int
	// AccruedFees is the accrued-and-unclaimed fee liability.
	AccruedFees *big.Int
	// ReservedPayout is idle cash earmarked for claimable withdrawal requests.
	ReservedPayout *big.Int
	// EscrowedShares is the share count locked inside withdrawal requests.
	EscrowedShares *big.Int
	// HighWaterMark is the ray share price used for performance fee accrual.
	HighWaterMark *big.Int
	// LastAccrual is the unix timestamp of the last fee accrual.
	LastAccrual int64
	// MinLiquidity is the idle-cash floor below which synchronous redemption
	// falls back to the async queue.
	MinLiquidity *big.Int
	// RequestNonce seeds withdrawal request identifiers.
	RequestNonce uint64
	// Fees is the active fee schedule.
	Fees FeeConfig
	// Exempt lists accounts excluded from all fee types, keyed by hex
	// address.
	Exempt map[string]bool
}

// IsExempt reports whether the account bypasses fees.
func (v *Vault) IsExempt(addr [20]byte) bool {
	if v == nil || len(v.Exempt) == 0 {
		return false
	}
	return v.Exempt[hex.EncodeToString(addr[:])]
}

// SetExempt adds or removes an account from the exemption list.
func (v *Vault) SetExempt(addr [20]byte, exempt bool) {
	if v == nil {
		return
	}
	if v.Exempt == nil {
		v.Exempt = make(map[string]bool)
	}
	key := hex.EncodeToString(addr[:])
	if exempt {
		v.Exempt[key] = true
		return
	}
	delete(v.Exempt, key)
}

// RequestStatus enumerates the withdrawal request lifecycle.
type RequestStatus uint8

const (
	// RequestNone is the zero value for an unknown request.
	RequestNone RequestStatus = iota
	// RequestPending identifies escrowed requests awaiting liquidity.
	RequestPending
	// RequestClaimable identifies requests covered by idle cash.
	RequestClaimable
	// RequestClaimed identifies settled requests.
	RequestClaimed
	// RequestCancelled identifies requests cancelled by their owner.
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestClaimable:
		return "claimable"
	case RequestClaimed:
		return "claimed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// WithdrawalRequest tracks shares escrowed for an asynchronous redemption.
type WithdrawalRequest struct {
	ID             [32]byte
	Owner          [20]byte
	Shares         *big.Int
	SnapshotPrice  *big.Int
	RequestedAt    int64
	ClaimableAfter int64
	// ReservedAmount is the idle cash earmarked when the request turned
	// claimable.
	ReservedAmount *big.Int
	Status         RequestStatus
}

// Clone returns a deep copy of the request.
func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Shares != nil {
		clone.Shares = new(big.Int).Set(r.Shares)
	}
	if r.SnapshotPrice != nil {
		clone.SnapshotPrice = new(big.Int).Set(r.SnapshotPrice)
	}
	if r.ReservedAmount != nil {
		clone.ReservedAmount = new(big.Int).Set(r.ReservedAmount)
	}
	return &clone
}
