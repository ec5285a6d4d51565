package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementRecord is an append-only receipt of a staking deposit.
// LedgerEntryID is nil for deposits reported by the client that cover
// every pending entry of a user at once.
type SettlementRecord struct {
	ID                  string          `json:"id" db:"id"`
	UserAddress         string          `json:"userAddress" db:"user_address"`
	LedgerEntryID       *string         `json:"ledgerEntryId,omitempty" db:"ledger_entry_id"`
	RoundUpAmount       decimal.Decimal `json:"roundUpAmount" db:"round_up_amount"`
	SettlementTxHash    string          `json:"settlementTxHash" db:"settlement_tx_hash"`
	SettlementAmountRaw string          `json:"settlementAmountRaw" db:"settlement_amount_raw"`
	ContractAddress     string          `json:"contractAddress" db:"contract_address"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
}

// LedgerSummary aggregates a user's ledger for dashboard consumers
type LedgerSummary struct {
	UserAddress          string          `json:"userAddress"`
	TotalTransactions    int64           `json:"totalTransactions"`
	SpendingTransactions int64           `json:"spendingTransactions"`
	TotalSpent           decimal.Decimal `json:"totalSpent"`
	TotalRoundUp         decimal.Decimal `json:"totalRoundUp"`
	ProcessedRoundUps    int64           `json:"processedRoundUps"`
	PendingRoundUps      int64           `json:"pendingRoundUps"`
	PendingRoundUpAmount decimal.Decimal `json:"pendingRoundUpAmount"`
	TotalInvestments     int64           `json:"totalInvestments"`
	TotalStakedRaw       string          `json:"totalStakedWei"`
}
