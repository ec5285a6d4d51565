package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coffee-change/internal/adapter"
	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// mockLedger mirrors the conditional-update semantics of LedgerRepository
type mockLedger struct {
	mu       sync.Mutex
	byID     map[string]*models.LedgerEntry
	byHash   map[string]string
	records  []*models.SettlementRecord
	upserts  int
	failWith error // Returned by every write when set
}

func newMockLedger() *mockLedger {
	return &mockLedger{byID: map[string]*models.LedgerEntry{}, byHash: map[string]string{}}
}

func cloneEntry(e *models.LedgerEntry) *models.LedgerEntry {
	c := *e
	return &c
}

func (m *mockLedger) UpsertTransaction(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, false, m.failWith
	}
	m.upserts++

	hash := strings.ToLower(entry.TxHash)
	if id, ok := m.byHash[hash]; ok {
		stored := m.byID[id]
		if !stored.Confirmed {
			stored.Confirmed = entry.Confirmed
			stored.BlockNumber = entry.BlockNumber
		}
		stored.UpdatedAt = time.Now()
		return cloneEntry(stored), false, nil
	}

	stored := cloneEntry(entry)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.TxHash = hash
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.byID[stored.ID] = stored
	m.byHash[hash] = stored.ID
	return cloneEntry(stored), true, nil
}

// put stores an entry directly, bypassing ingestion
func (m *mockLedger) put(e *models.LedgerEntry) *models.LedgerEntry {
	stored, _, err := m.UpsertTransaction(context.Background(), e)
	if err != nil {
		panic(err)
	}
	return stored
}

func (m *mockLedger) entry(id string) *models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntry(m.byID[id])
}

func (m *mockLedger) GetByID(ctx context.Context, id string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (m *mockLedger) GetByTxHash(ctx context.Context, txHash string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	id, ok := m.byHash[strings.ToLower(txHash)]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.GetByID(ctx, id)
}

func (m *mockLedger) sorted(filter func(*models.LedgerEntry) bool) []*models.LedgerEntry {
	var out []*models.LedgerEntry
	for _, e := range m.byID {
		if filter(e) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

func (m *mockLedger) FindUnsettledRoundUps(ctx context.Context, userAddress string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(e *models.LedgerEntry) bool {
		return e.UserAddress == strings.ToLower(userAddress) && e.HasPendingRoundUp()
	}), nil
}

func (m *mockLedger) ListUsersWithPending(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var users []string
	for _, e := range m.byID {
		if e.HasPendingRoundUp() && !seen[e.UserAddress] {
			seen[e.UserAddress] = true
			users = append(users, e.UserAddress)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *mockLedger) ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(e *models.LedgerEntry) bool { return e.UserAddress == strings.ToLower(userAddress) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockLedger) ClaimForSettlement(ctx context.Context, id string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	e, ok := m.byID[id]
	now := time.Now()
	if !ok || e.RoundUpProcessed || (e.SettlingUntil != nil && e.SettlingUntil.After(now)) {
		return false, nil
	}
	until := now.Add(lease)
	e.SettlingUntil = &until
	return true, nil
}

func (m *mockLedger) ReleaseClaim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok && !e.RoundUpProcessed {
		e.SettlingUntil = nil
	}
	return nil
}

func (m *mockLedger) CompleteSettlement(ctx context.Context, id string, record *models.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	e, ok := m.byID[id]
	if !ok || e.RoundUpProcessed {
		return apperrors.ErrAlreadySettled
	}
	hash := record.SettlementTxHash
	e.RoundUpProcessed = true
	e.RoundUpTxHash = &hash
	e.SettlingUntil = nil
	record.LedgerEntryID = &id
	m.records = append(m.records, record)
	return nil
}

func (m *mockLedger) MarkAllSettledForUser(ctx context.Context, userAddress string, record *models.SettlementRecord) (int64, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	total := decimal.Zero
	now := time.Now()
	for _, e := range m.byID {
		if e.UserAddress != userAddress || !e.HasPendingRoundUp() {
			continue
		}
		if e.SettlingUntil != nil && e.SettlingUntil.After(now) {
			continue
		}
		hash := record.SettlementTxHash
		e.RoundUpProcessed = true
		e.RoundUpTxHash = &hash
		count++
		total = total.Add(e.RoundUpAmount)
	}
	if count > 0 {
		record.UserAddress = userAddress
		record.RoundUpAmount = total
		record.LedgerEntryID = nil
		m.records = append(m.records, record)
	}
	return count, total, nil
}

func (m *mockLedger) Summary(ctx context.Context, userAddress string) (*models.LedgerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &models.LedgerSummary{UserAddress: userAddress, TotalStakedRaw: "0"}
	for _, e := range m.byID {
		if e.UserAddress != userAddress {
			continue
		}
		s.TotalTransactions++
		if e.TransactionType != types.TransactionSpend {
			continue
		}
		s.SpendingTransactions++
		s.TotalSpent = s.TotalSpent.Add(e.Amount)
		s.TotalRoundUp = s.TotalRoundUp.Add(e.RoundUpAmount)
		if e.RoundUpProcessed {
			s.ProcessedRoundUps++
		} else if e.HasPendingRoundUp() {
			s.PendingRoundUps++
			s.PendingRoundUpAmount = s.PendingRoundUpAmount.Add(e.RoundUpAmount)
		}
	}
	return s, nil
}

func (m *mockLedger) GetByLedgerEntry(ctx context.Context, ledgerEntryID string) (*models.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.LedgerEntryID != nil && *r.LedgerEntryID == ledgerEntryID {
			return r, nil
		}
	}
	return nil, nil
}

// mockSettlements exposes the ledger's receipts through SettlementStore
type mockSettlements struct{ ledger *mockLedger }

func (m mockSettlements) GetByLedgerEntry(ctx context.Context, id string) (*models.SettlementRecord, error) {
	return m.ledger.GetByLedgerEntry(ctx, id)
}

func (m mockSettlements) ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.SettlementRecord, error) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	var out []*models.SettlementRecord
	for _, r := range m.ledger.records {
		if r.UserAddress == userAddress && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockAddressStore struct {
	mu         sync.Mutex
	records    map[string]*models.MonitoredAddress
	listCalls  int
	listErr    error
	upsertErrs error
}

func newMockAddressStore(active ...string) *mockAddressStore {
	m := &mockAddressStore{records: map[string]*models.MonitoredAddress{}}
	for _, a := range active {
		m.records[strings.ToLower(a)] = &models.MonitoredAddress{Address: strings.ToLower(a), Active: true}
	}
	return m
}

func (m *mockAddressStore) Get(ctx context.Context, address string) (*models.MonitoredAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[address]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *mockAddressStore) Upsert(ctx context.Context, address string, label, walletID *string) (*models.MonitoredAddress, types.RegistrationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErrs != nil {
		return nil, "", m.upsertErrs
	}
	r, ok := m.records[address]
	status := types.RegistrationNew
	switch {
	case ok && r.Active:
		c := *r
		return &c, types.RegistrationAlreadyRegistered, nil
	case ok:
		status = types.RegistrationReactivated
	default:
		r = &models.MonitoredAddress{Address: address, CreatedAt: time.Now()}
		m.records[address] = r
	}
	r.Active = true
	r.Label = label
	r.WalletID = walletID
	c := *r
	return &c, status, nil
}

func (m *mockAddressStore) Deactivate(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[address]
	if !ok {
		return false, nil
	}
	r.Active = false
	return true, nil
}

func (m *mockAddressStore) ListActiveAddresses(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []string
	for a, r := range m.records {
		if r.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAddressStore) List(ctx context.Context) ([]*models.MonitoredAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MonitoredAddress
	for _, r := range m.records {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// mockBroadcaster records every request and returns sequential hashes
type mockBroadcaster struct {
	mu       sync.Mutex
	requests []adapter.BroadcastRequest
	calls    atomic.Int64
	delay    time.Duration
	failOn   map[int]error // 1-based call number -> error
	err      error
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, req adapter.BroadcastRequest) (string, error) {
	n := int(m.calls.Add(1))
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return "", m.err
	}
	if err := m.failOn[n]; err != nil {
		return "", err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return fmt.Sprintf("0x%064x", n), nil
}

type mockQueue struct {
	mu  sync.Mutex
	ids []string
}

func (m *mockQueue) Enqueue(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return true
}

type mockArchive struct {
	batches [][]storage.ArchivedTransfer
	err     error
}

func (m *mockArchive) InsertTransfers(ctx context.Context, transfers []storage.ArchivedTransfer) error {
	m.batches = append(m.batches, transfers)
	return m.err
}

var errDatabaseDown = errors.New("connection refused")

func rawAmount(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}
