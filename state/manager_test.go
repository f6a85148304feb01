package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"allocvault/native/vault"
	"allocvault/storage"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func sampleVault() *vault.Vault {
	big18 := func(s string) *big.Int {
		v, _ := new(big.Int).SetString(s, 10)
		return v
	}
	return &vault.Vault{
		TotalSupply:    big18("123456789012345678901234567890"),
		TotalAssets:    big18("223456789012345678901234567890"),
		IdleCash:       big.NewInt(500),
		Invested:       big.NewInt(400),
		AccruedFees:    big.NewInt(7),
		ReservedPayout: big.NewInt(3),
		EscrowedShares: big.NewInt(11),
		HighWaterMark:  big18("1050000000000000000"),
		LastAccrual:    1_000_000,
		MinLiquidity:   big.NewInt(100),
		RequestNonce:   4,
		Fees:           vault.FeeConfig{PerfBps: 2000, MgmtBps: 100, EntryBps: 10, ExitBps: 10, FlashBps: 9},
		Exempt:         map[string]bool{"00000000000000000000000000000000000000aa": true},
	}
}

func addrOf(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func idOf(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestVaultRecordRoundTrip(t *testing.T) {
	m := testManager(t)

	loaded, err := m.GetVault()
	require.NoError(t, err)
	require.Nil(t, loaded, "empty store must read as no vault")

	v := sampleVault()
	require.NoError(t, m.PutVault(v))

	loaded, err = m.GetVault()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	// Amounts above 2^53 must survive the trip exactly.
	require.Zero(t, loaded.TotalSupply.Cmp(v.TotalSupply))
	require.Zero(t, loaded.TotalAssets.Cmp(v.TotalAssets))
	require.Zero(t, loaded.HighWaterMark.Cmp(v.HighWaterMark))
	require.Equal(t, v.LastAccrual, loaded.LastAccrual)
	require.Equal(t, v.RequestNonce, loaded.RequestNonce)
	require.Equal(t, v.Fees, loaded.Fees)
	require.True(t, loaded.Exempt["00000000000000000000000000000000000000aa"])
}

func TestBalanceReadsZeroWhenMissing(t *testing.T) {
	m := testManager(t)
	bal, err := m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())

	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(250)))
	bal, err = m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(big.NewInt(250)))

	// Zeroing deletes the key.
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(0)))
	bal, err = m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())

	require.Error(t, m.PutBalance(addrOf(1), big.NewInt(-1)))
}

func TestSnapshotRevertUndoesWrites(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(100)))
	m.Commit()

	rev := m.Snapshot()
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(999)))
	require.NoError(t, m.PutBalance(addrOf(2), big.NewInt(50)))
	require.NoError(t, m.PutVault(sampleVault()))
	m.RevertToSnapshot(rev)

	bal, err := m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(big.NewInt(100)), "overwritten balance must be restored")
	bal, err = m.GetBalance(addrOf(2))
	require.NoError(t, err)
	require.Zero(t, bal.Sign(), "created balance must be removed")
	v, err := m.GetVault()
	require.NoError(t, err)
	require.Nil(t, v, "created vault record must be removed")
}

func TestNestedSnapshotsRevertIndependently(t *testing.T) {
	m := testManager(t)
	outer := m.Snapshot()
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(1)))
	inner := m.Snapshot()
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(2)))

	m.RevertToSnapshot(inner)
	bal, err := m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(big.NewInt(1)))

	m.RevertToSnapshot(outer)
	bal, err = m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
}

func TestCommitFreezesHistory(t *testing.T) {
	m := testManager(t)
	rev := m.Snapshot()
	require.NoError(t, m.PutBalance(addrOf(1), big.NewInt(10)))
	m.Commit()

	// The old revision is gone; reverting to it must not undo the write.
	m.RevertToSnapshot(rev)
	bal, err := m.GetBalance(addrOf(1))
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(big.NewInt(10)))
}

func pendingRequest(id [32]byte, owner [20]byte, shares int64) *vault.WithdrawalRequest {
	return &vault.WithdrawalRequest{
		ID:             id,
		Owner:          owner,
		Shares:         big.NewInt(shares),
		SnapshotPrice:  big.NewInt(1_000_000_000_000_000_000),
		RequestedAt:    1_000_000,
		ClaimableAfter: 1_000_100,
		ReservedAmount: big.NewInt(0),
		Status:         vault.RequestPending,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	m := testManager(t)

	loaded, err := m.GetRequest(idOf(1))
	require.NoError(t, err)
	require.Nil(t, loaded)

	req := pendingRequest(idOf(1), addrOf(9), 400)
	require.NoError(t, m.PutRequest(req))

	loaded, err = m.GetRequest(idOf(1))
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, req.ID, loaded.ID)
	require.Equal(t, req.Owner, loaded.Owner)
	require.Zero(t, loaded.Shares.Cmp(req.Shares))
	require.Equal(t, vault.RequestPending, loaded.Status)
	require.Equal(t, req.ClaimableAfter, loaded.ClaimableAfter)
}

func TestPendingQueueTracksLifecycle(t *testing.T) {
	m := testManager(t)
	first := pendingRequest(idOf(1), addrOf(9), 100)
	second := pendingRequest(idOf(2), addrOf(9), 200)
	third := pendingRequest(idOf(3), addrOf(9), 300)
	require.NoError(t, m.PutRequest(first))
	require.NoError(t, m.PutRequest(second))
	require.NoError(t, m.PutRequest(third))

	pending, err := m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, idOf(1), pending[0].ID, "queue must preserve creation order")
	require.Equal(t, idOf(3), pending[2].ID)

	// Funding the second request removes it from the queue.
	second.Status = vault.RequestClaimable
	second.ReservedAmount = big.NewInt(200)
	require.NoError(t, m.PutRequest(second))

	pending, err = m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, idOf(1), pending[0].ID)
	require.Equal(t, idOf(3), pending[1].ID)

	// Re-storing a pending request must not duplicate its queue entry.
	require.NoError(t, m.PutRequest(first))
	pending, err = m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestQueueSurvivesRevert(t *testing.T) {
	m := testManager(t)
	first := pendingRequest(idOf(1), addrOf(9), 100)
	require.NoError(t, m.PutRequest(first))
	m.Commit()

	rev := m.Snapshot()
	first.Status = vault.RequestCancelled
	require.NoError(t, m.PutRequest(first))
	pending, err := m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 0)

	m.RevertToSnapshot(rev)
	pending, err = m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, vault.RequestPending, pending[0].Status)
}
