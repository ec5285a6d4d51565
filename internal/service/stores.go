// Package service implements the round-up pipeline: registry lookups,
// webhook ingestion, settlement and dashboard summaries.
package service

import (
	"context"
	"time"

	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/types"
	"github.com/shopspring/decimal"
)

// AddressStore is the registry persistence used by RegistryService.
// Implemented by storage.AddressRepository.
type AddressStore interface {
	Get(ctx context.Context, address string) (*models.MonitoredAddress, error)
	Upsert(ctx context.Context, address string, label, walletID *string) (*models.MonitoredAddress, types.RegistrationStatus, error)
	Deactivate(ctx context.Context, address string) (bool, error)
	ListActiveAddresses(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]*models.MonitoredAddress, error)
}

// ActiveSetCache caches the active address set. Implemented by
// storage.ActiveAddressCache.
type ActiveSetCache interface {
	Get(ctx context.Context) ([]string, bool, error)
	Set(ctx context.Context, addresses []string) error
	Invalidate(ctx context.Context) error
}

// LedgerStore is the ledger persistence. Implemented by
// storage.LedgerRepository.
type LedgerStore interface {
	UpsertTransaction(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error)
	GetByID(ctx context.Context, id string) (*models.LedgerEntry, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.LedgerEntry, error)
	FindUnsettledRoundUps(ctx context.Context, userAddress string) ([]*models.LedgerEntry, error)
	ListUsersWithPending(ctx context.Context) ([]string, error)
	ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.LedgerEntry, error)
	ClaimForSettlement(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	CompleteSettlement(ctx context.Context, id string, record *models.SettlementRecord) error
	MarkAllSettledForUser(ctx context.Context, userAddress string, record *models.SettlementRecord) (int64, decimal.Decimal, error)
	Summary(ctx context.Context, userAddress string) (*models.LedgerSummary, error)
}

// SettlementStore reads settlement receipts. Implemented by
// storage.SettlementRepository.
type SettlementStore interface {
	GetByLedgerEntry(ctx context.Context, ledgerEntryID string) (*models.SettlementRecord, error)
	ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.SettlementRecord, error)
}

// TransferArchive receives decoded transfers for analytics. Implemented by
// storage.TransferArchiveRepository.
type TransferArchive interface {
	InsertTransfers(ctx context.Context, transfers []storage.ArchivedTransfer) error
}

// SettlementQueue accepts ledger entry ids for background settlement.
// Enqueue never blocks and reports whether the id was accepted.
type SettlementQueue interface {
	Enqueue(entryID string) bool
}

var (
	_ AddressStore    = (*storage.AddressRepository)(nil)
	_ ActiveSetCache  = (*storage.ActiveAddressCache)(nil)
	_ LedgerStore     = (*storage.LedgerRepository)(nil)
	_ SettlementStore = (*storage.SettlementRepository)(nil)
	_ TransferArchive = (*storage.TransferArchiveRepository)(nil)
)
