package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"allocvault/native/vault"
	"allocvault/storage"
)

var (
	keyVault       = []byte("vault/meta")
	keyQueue       = []byte("vault/queue")
	prefixBalance  = "vault/balance/"
	prefixRequest  = "vault/request/"
	errBadAmount   = errors.New("state: malformed amount")
	errNilDatabase = errors.New("state: database not configured")
)

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// Manager persists vault records in a key-value store and journals every
// write so an engine operation can be reverted as a unit. Snapshot returns a
// revision; RevertToSnapshot undoes everything written since. Commit drops
// the undo history once the caller knows the operation stuck.
type Manager struct {
	db      storage.Database
	journal []journalEntry
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Snapshot returns the current journal revision.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every write made after the given revision, in
// reverse order.
func (m *Manager) RevertToSnapshot(rev int) {
	if rev < 0 || rev > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= rev; i-- {
		entry := m.journal[i]
		if entry.existed {
			_ = m.db.Put([]byte(entry.key), entry.prev)
		} else {
			_ = m.db.Delete([]byte(entry.key))
		}
	}
	m.journal = m.journal[:rev]
}

// Commit discards the undo history. Call it after a successful operation;
// skipping it only costs memory, never correctness.
func (m *Manager) Commit() {
	m.journal = m.journal[:0]
}

func (m *Manager) put(key, value []byte) error {
	if m.db == nil {
		return errNilDatabase
	}
	prev, err := m.db.Get(key)
	existed := true
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		existed = false
		prev = nil
	}
	if err := m.db.Put(key, value); err != nil {
		return err
	}
	m.journal = append(m.journal, journalEntry{key: string(key), prev: prev, existed: existed})
	return nil
}

func (m *Manager) delete(key []byte) error {
	if m.db == nil {
		return errNilDatabase
	}
	prev, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.db.Delete(key); err != nil {
		return err
	}
	m.journal = append(m.journal, journalEntry{key: string(key), prev: prev, existed: true})
	return nil
}

// --- codecs ---

// Amounts are stored as decimal strings: JSON numbers lose precision past
// 2^53 in generic tooling and these values routinely exceed that.

type vaultRecord struct {
	TotalSupply    string          `json:"totalSupply"`
	TotalAssets    string          `json:"totalAssets"`
	IdleCash       string          `json:"idleCash"`
	Invested       string          `json:"invested"`
	AccruedFees    string          `json:"accruedFees"`
	ReservedPayout string          `json:"reservedPayout"`
	EscrowedShares string          `json:"escrowedShares"`
	HighWaterMark  string          `json:"highWaterMark"`
	LastAccrual    int64           `json:"lastAccrual"`
	MinLiquidity   string          `json:"minLiquidity"`
	RequestNonce   uint64          `json:"requestNonce"`
	Fees           vault.FeeConfig `json:"fees"`
	Exempt         map[string]bool `json:"exempt,omitempty"`
}

type requestRecord struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Shares         string `json:"shares"`
	SnapshotPrice  string `json:"snapshotPrice"`
	RequestedAt    int64  `json:"requestedAt"`
	ClaimableAfter int64  `json:"claimableAfter"`
	ReservedAmount string `json:"reservedAmount"`
	Status         uint8  `json:"status"`
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errBadAmount, s)
	}
	return v, nil
}

// GetVault loads the vault record, or nil when none has been stored.
func (m *Manager) GetVault() (*vault.Vault, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	raw, err := m.db.Get(keyVault)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec vaultRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	v := &vault.Vault{
		LastAccrual:  rec.LastAccrual,
		RequestNonce: rec.RequestNonce,
		Fees:         rec.Fees,
		Exempt:       rec.Exempt,
	}
	fields := []struct {
		dst **big.Int
		src string
	}{
		{&v.TotalSupply, rec.TotalSupply},
		{&v.TotalAssets, rec.TotalAssets},
		{&v.IdleCash, rec.IdleCash},
		{&v.Invested, rec.Invested},
		{&v.AccruedFees, rec.AccruedFees},
		{&v.ReservedPayout, rec.ReservedPayout},
		{&v.EscrowedShares, rec.EscrowedShares},
		{&v.HighWaterMark, rec.HighWaterMark},
		{&v.MinLiquidity, rec.MinLiquidity},
	}
	for _, f := range fields {
		parsed, perr := decodeAmount(f.src)
		if perr != nil {
			return nil, perr
		}
		*f.dst = parsed
	}
	return v, nil
}

// PutVault stores the vault record.
func (m *Manager) PutVault(v *vault.Vault) error {
	if v == nil {
		return errors.New("state: nil vault record")
	}
	rec := vaultRecord{
		TotalSupply:    encodeAmount(v.TotalSupply),
		TotalAssets:    encodeAmount(v.TotalAssets),
		IdleCash:       encodeAmount(v.IdleCash),
		Invested:       encodeAmount(v.Invested),
		AccruedFees:    encodeAmount(v.AccruedFees),
		ReservedPayout: encodeAmount(v.ReservedPayout),
		EscrowedShares: encodeAmount(v.EscrowedShares),
		HighWaterMark:  encodeAmount(v.HighWaterMark),
		LastAccrual:    v.LastAccrual,
		MinLiquidity:   encodeAmount(v.MinLiquidity),
		RequestNonce:   v.RequestNonce,
		Fees:           v.Fees,
		Exempt:         v.Exempt,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.put(keyVault, raw)
}

func balanceKey(addr [20]byte) []byte {
	return []byte(prefixBalance + hex.EncodeToString(addr[:]))
}

// GetBalance loads a share balance; missing accounts read as zero.
func (m *Manager) GetBalance(addr [20]byte) (*big.Int, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	raw, err := m.db.Get(balanceKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return decodeAmount(string(raw))
}

// PutBalance stores a share balance; zero balances delete the key.
func (m *Manager) PutBalance(addr [20]byte, balance *big.Int) error {
	if balance == nil || balance.Sign() == 0 {
		return m.delete(balanceKey(addr))
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("%w: negative balance", errBadAmount)
	}
	return m.put(balanceKey(addr), []byte(balance.String()))
}

func requestKey(id [32]byte) []byte {
	return []byte(prefixRequest + hex.EncodeToString(id[:]))
}

// GetRequest loads a withdrawal request, or nil when the id is unknown.
func (m *Manager) GetRequest(id [32]byte) (*vault.WithdrawalRequest, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	raw, err := m.db.Get(requestKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRequest(raw)
}

func decodeRequest(raw []byte) (*vault.WithdrawalRequest, error) {
	var rec requestRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	req := &vault.WithdrawalRequest{
		RequestedAt:    rec.RequestedAt,
		ClaimableAfter: rec.ClaimableAfter,
		Status:         vault.RequestStatus(rec.Status),
	}
	idBytes, err := hex.DecodeString(rec.ID)
	if err != nil || len(idBytes) != len(req.ID) {
		return nil, fmt.Errorf("state: malformed request id %q", rec.ID)
	}
	copy(req.ID[:], idBytes)
	ownerBytes, err := hex.DecodeString(rec.Owner)
	if err != nil || len(ownerBytes) != len(req.Owner) {
		return nil, fmt.Errorf("state: malformed request owner %q", rec.Owner)
	}
	copy(req.Owner[:], ownerBytes)
	if req.Shares, err = decodeAmount(rec.Shares); err != nil {
		return nil, err
	}
	if req.SnapshotPrice, err = decodeAmount(rec.SnapshotPrice); err != nil {
		return nil, err
	}
	if req.ReservedAmount, err = decodeAmount(rec.ReservedAmount); err != nil {
		return nil, err
	}
	return req, nil
}

// PutRequest stores a withdrawal request and maintains the pending queue:
// new requests are appended in creation order, terminal ones are removed.
func (m *Manager) PutRequest(req *vault.WithdrawalRequest) error {
	if req == nil {
		return errors.New("state: nil withdrawal request")
	}
	rec := requestRecord{
		ID:             hex.EncodeToString(req.ID[:]),
		Owner:          hex.EncodeToString(req.Owner[:]),
		Shares:         encodeAmount(req.Shares),
		SnapshotPrice:  encodeAmount(req.SnapshotPrice),
		RequestedAt:    req.RequestedAt,
		ClaimableAfter: req.ClaimableAfter,
		ReservedAmount: encodeAmount(req.ReservedAmount),
		Status:         uint8(req.Status),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.put(requestKey(req.ID), raw); err != nil {
		return err
	}
	switch req.Status {
	case vault.RequestPending:
		return m.queueAdd(rec.ID)
	default:
		return m.queueRemove(rec.ID)
	}
}

func (m *Manager) loadQueue() ([]string, error) {
	raw, err := m.db.Get(keyQueue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) storeQueue(ids []string) error {
	if len(ids) == 0 {
		return m.delete(keyQueue)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.put(keyQueue, raw)
}

func (m *Manager) queueAdd(id string) error {
	ids, err := m.loadQueue()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return m.storeQueue(append(ids, id))
}

func (m *Manager) queueRemove(id string) error {
	ids, err := m.loadQueue()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return m.storeQueue(kept)
}

// PendingRequests returns the pending withdrawal queue in creation order.
func (m *Manager) PendingRequests() ([]*vault.WithdrawalRequest, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	ids, err := m.loadQueue()
	if err != nil {
		return nil, err
	}
	out := make([]*vault.WithdrawalRequest, 0, len(ids))
	for _, id := range ids {
		idBytes, err := hex.DecodeString(id)
		if err != nil || len(idBytes) != 32 {
			return nil, fmt.Errorf("state: malformed queue entry %q", id)
		}
		var key [32]byte
		copy(key[:], idBytes)
		req, err := m.GetRequest(key)
		if err != nil {
			return nil, err
		}
		if req == nil || req.Status != vault.RequestPending {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}
