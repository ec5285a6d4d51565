package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ArchivedTransfer is one decoded transfer as stored in ClickHouse
type ArchivedTransfer struct {
	TxHash           string
	LogIndex         uint64
	TransactionIndex uint64
	BlockNumber      uint64
	ChainID          string
	ContractAddress  string
	FromAddress      string
	ToAddress        string
	AmountRaw        string
	TransactionType  string
	Confirmed        bool
	ReceivedAt       time.Time
}

// TransferArchiveRepository appends decoded transfers to ClickHouse for
// analytics. The table is a ReplacingMergeTree keyed on (tx_hash, log_index)
// so re-deliveries collapse on merge.
type TransferArchiveRepository struct {
	db *ClickHouseDB
}

// NewTransferArchiveRepository creates a new archive repository
func NewTransferArchiveRepository(db *ClickHouseDB) *TransferArchiveRepository {
	return &TransferArchiveRepository{db: db}
}

// InsertTransfers writes a batch of transfers
func (r *TransferArchiveRepository) InsertTransfers(ctx context.Context, transfers []ArchivedTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO transfer_events (
			tx_hash, log_index, transaction_index, block_number, chain_id,
			contract_address, from_address, to_address, amount_raw,
			transaction_type, confirmed, received_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, t := range transfers {
		amount := decimal.Zero
		if t.AmountRaw != "" {
			if amount, err = decimal.NewFromString(t.AmountRaw); err != nil {
				return fmt.Errorf("invalid amount %q for %s: %w", t.AmountRaw, t.TxHash, err)
			}
		}
		confirmed := uint8(0)
		if t.Confirmed {
			confirmed = 1
		}

		if err := batch.Append(
			t.TxHash,
			uint32(t.LogIndex),         // #nosec G115 - log index fits in UInt32
			uint32(t.TransactionIndex), // #nosec G115
			t.BlockNumber,
			t.ChainID,
			t.ContractAddress,
			t.FromAddress,
			t.ToAddress,
			amount,
			t.TransactionType,
			confirmed,
			t.ReceivedAt,
		); err != nil {
			return fmt.Errorf("failed to append transfer: %w", err)
		}
	}

	return batch.Send()
}
