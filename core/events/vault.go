package events

import "math/big"

const (
	TypeVaultDeposited        = "vault.deposited"
	TypeVaultWithdrawn        = "vault.withdrawn"
	TypeVaultFeesCollected    = "vault.fees_collected"
	TypeWithdrawalRequested   = "vault.withdrawal.requested"
	TypeWithdrawalClaimable   = "vault.withdrawal.claimable"
	TypeWithdrawalClaimed     = "vault.withdrawal.claimed"
	TypeWithdrawalCancelled   = "vault.withdrawal.cancelled"
	TypeVaultSharesTransferred = "vault.shares_transferred"
)

// VaultDeposited is emitted when a depositor's capital is credited and shares
// are minted against it.
type VaultDeposited struct {
	From         [20]byte
	Receiver     [20]byte
	Amount       *big.Int
	FeePaid      *big.Int
	SharesMinted *big.Int
	SupplyAfter  *big.Int
	AssetsAfter  *big.Int
}

func (VaultDeposited) EventType() string { return TypeVaultDeposited }

func (e VaultDeposited) Attributes() map[string]string {
	return map[string]string{
		"from":         formatAddress(e.From),
		"receiver":     formatAddress(e.Receiver),
		"amount":       formatAmount(e.Amount),
		"feePaid":      formatAmount(e.FeePaid),
		"sharesMinted": formatAmount(e.SharesMinted),
		"supplyAfter":  formatAmount(e.SupplyAfter),
		"assetsAfter":  formatAmount(e.AssetsAfter),
	}
}

// VaultWithdrawn is emitted for both synchronous redemptions and async claims.
type VaultWithdrawn struct {
	Owner        [20]byte
	Receiver     [20]byte
	SharesBurned *big.Int
	AmountOut    *big.Int
	FeePaid      *big.Int
	SupplyAfter  *big.Int
	AssetsAfter  *big.Int
}

func (VaultWithdrawn) EventType() string { return TypeVaultWithdrawn }

func (e VaultWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"owner":        formatAddress(e.Owner),
		"receiver":     formatAddress(e.Receiver),
		"sharesBurned": formatAmount(e.SharesBurned),
		"amountOut":    formatAmount(e.AmountOut),
		"feePaid":      formatAmount(e.FeePaid),
		"supplyAfter":  formatAmount(e.SupplyAfter),
		"assetsAfter":  formatAmount(e.AssetsAfter),
	}
}

// VaultFeesCollected is emitted when the manager sweeps accrued fees.
type VaultFeesCollected struct {
	Recipient     [20]byte
	Collected     *big.Int
	AccruedBefore *big.Int
	AccruedAfter  *big.Int
}

func (VaultFeesCollected) EventType() string { return TypeVaultFeesCollected }

func (e VaultFeesCollected) Attributes() map[string]string {
	return map[string]string{
		"recipient":     formatAddress(e.Recipient),
		"collected":     formatAmount(e.Collected),
		"accruedBefore": formatAmount(e.AccruedBefore),
		"accruedAfter":  formatAmount(e.AccruedAfter),
	}
}

// WithdrawalRequested is emitted when shares are escrowed into a pending
// withdrawal request.
type WithdrawalRequested struct {
	ID             [32]byte
	Owner          [20]byte
	Shares         *big.Int
	SnapshotPrice  *big.Int
	RequestedAt    int64
	ClaimableAfter int64
}

func (WithdrawalRequested) EventType() string { return TypeWithdrawalRequested }

func (e WithdrawalRequested) Attributes() map[string]string {
	return map[string]string{
		"id":             formatID(e.ID),
		"owner":          formatAddress(e.Owner),
		"shares":         formatAmount(e.Shares),
		"snapshotPrice":  formatAmount(e.SnapshotPrice),
		"requestedAt":    intToString(e.RequestedAt),
		"claimableAfter": intToString(e.ClaimableAfter),
	}
}

// WithdrawalClaimable is emitted when replenished idle cash covers a pending
// request.
type WithdrawalClaimable struct {
	ID     [32]byte
	Owner  [20]byte
	Shares *big.Int
}

func (WithdrawalClaimable) EventType() string { return TypeWithdrawalClaimable }

func (e WithdrawalClaimable) Attributes() map[string]string {
	return map[string]string{
		"id":     formatID(e.ID),
		"owner":  formatAddress(e.Owner),
		"shares": formatAmount(e.Shares),
	}
}

// WithdrawalClaimed is emitted when escrowed shares are burned and the payout
// leaves the vault.
type WithdrawalClaimed struct {
	ID        [32]byte
	Owner     [20]byte
	Receiver  [20]byte
	Shares    *big.Int
	AmountOut *big.Int
	PriceUsed *big.Int
}

func (WithdrawalClaimed) EventType() string { return TypeWithdrawalClaimed }

func (e WithdrawalClaimed) Attributes() map[string]string {
	return map[string]string{
		"id":        formatID(e.ID),
		"owner":     formatAddress(e.Owner),
		"receiver":  formatAddress(e.Receiver),
		"shares":    formatAmount(e.Shares),
		"amountOut": formatAmount(e.AmountOut),
		"priceUsed": formatAmount(e.PriceUsed),
	}
}

// WithdrawalCancelled is emitted when a pending request is cancelled and its
// escrowed shares returned.
type WithdrawalCancelled struct {
	ID     [32]byte
	Owner  [20]byte
	Shares *big.Int
}

func (WithdrawalCancelled) EventType() string { return TypeWithdrawalCancelled }

func (e WithdrawalCancelled) Attributes() map[string]string {
	return map[string]string{
		"id":     formatID(e.ID),
		"owner":  formatAddress(e.Owner),
		"shares": formatAmount(e.Shares),
	}
}

// VaultSharesTransferred is emitted on share transfers between accounts.
type VaultSharesTransferred struct {
	From   [20]byte
	To     [20]byte
	Shares *big.Int
}

func (VaultSharesTransferred) EventType() string { return TypeVaultSharesTransferred }

func (e VaultSharesTransferred) Attributes() map[string]string {
	return map[string]string{
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"shares": formatAmount(e.Shares),
	}
}
