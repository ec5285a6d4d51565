package models

import (
	"time"

	"github.com/coffee-change/internal/types"
	"github.com/shopspring/decimal"
)

// LedgerEntry is one observed USDC transfer touching a monitored wallet.
// TxHash is unique; it is the idempotency anchor for webhook re-delivery.
type LedgerEntry struct {
	ID               string                `json:"id" db:"id"`
	TxHash           string                `json:"txHash" db:"tx_hash"`
	BlockNumber      uint64                `json:"blockNumber" db:"block_number"`
	ChainID          string                `json:"chainId" db:"chain_id"`
	ContractAddress  string                `json:"contractAddress" db:"contract_address"`
	FromAddress      string                `json:"fromAddress" db:"from_address"`
	ToAddress        string                `json:"toAddress" db:"to_address"`
	UserAddress      string                `json:"userAddress" db:"user_address"`
	Amount           decimal.Decimal       `json:"amount" db:"amount"`        // Human units
	AmountRaw        string                `json:"amountRaw" db:"amount_raw"` // Smallest token units
	TransactionType  types.TransactionType `json:"transactionType" db:"transaction_type"`
	Confirmed        bool                  `json:"confirmed" db:"confirmed"`
	LogIndex         uint64                `json:"logIndex" db:"log_index"`
	TransactionIndex uint64                `json:"transactionIndex" db:"transaction_index"`
	RoundUpAmount    decimal.Decimal       `json:"roundUpAmount" db:"round_up_amount"`
	RoundUpProcessed bool                  `json:"roundUpProcessed" db:"round_up_processed"`
	RoundUpTxHash    *string               `json:"roundUpTxHash,omitempty" db:"round_up_tx_hash"`
	SettlingUntil    *time.Time            `json:"settlingUntil,omitempty" db:"settling_until"` // Claim lease held by an in-flight settlement
	CreatedAt        time.Time             `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time             `json:"updatedAt" db:"updated_at"`
}

// HasPendingRoundUp reports whether the entry is eligible for settlement
func (e *LedgerEntry) HasPendingRoundUp() bool {
	return e.TransactionType == types.TransactionSpend &&
		e.RoundUpAmount.IsPositive() &&
		!e.RoundUpProcessed
}
