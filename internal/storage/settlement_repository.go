package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coffee-change/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// SettlementRepository reads the append-only settlement receipts. Receipts
// are written by LedgerRepository inside the settling transaction.
type SettlementRepository struct {
	db *PostgresDB
}

// NewSettlementRepository creates a new settlement repository
func NewSettlementRepository(db *PostgresDB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

const settlementColumns = `
	id::text, user_address, ledger_entry_id::text, round_up_amount::text,
	settlement_tx_hash, settlement_amount_raw::text, contract_address, created_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertSettlementRecord(ctx context.Context, q querier, rec *models.SettlementRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	err := q.QueryRow(ctx, `
		INSERT INTO settlement_records (
			id, user_address, ledger_entry_id, round_up_amount,
			settlement_tx_hash, settlement_amount_raw, contract_address, created_at
		)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6::text::numeric, $7, NOW())
		RETURNING created_at`,
		rec.ID,
		strings.ToLower(rec.UserAddress),
		rec.LedgerEntryID,
		rec.RoundUpAmount.String(),
		strings.ToLower(rec.SettlementTxHash),
		rec.SettlementAmountRaw,
		strings.ToLower(rec.ContractAddress),
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert settlement record: %w", err)
	}
	return nil
}

func scanSettlementRecord(row pgx.Row) (*models.SettlementRecord, error) {
	var (
		rec     models.SettlementRecord
		roundUp string
	)
	if err := row.Scan(&rec.ID, &rec.UserAddress, &rec.LedgerEntryID, &roundUp,
		&rec.SettlementTxHash, &rec.SettlementAmountRaw, &rec.ContractAddress, &rec.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if rec.RoundUpAmount, err = decimal.NewFromString(roundUp); err != nil {
		return nil, fmt.Errorf("invalid round_up_amount %q: %w", roundUp, err)
	}
	return &rec, nil
}

// GetByLedgerEntry returns the receipt for an entry, or nil if it has none
func (r *SettlementRepository) GetByLedgerEntry(ctx context.Context, ledgerEntryID string) (*models.SettlementRecord, error) {
	rec, err := scanSettlementRecord(r.db.Pool().QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlement_records WHERE ledger_entry_id = $1`, ledgerEntryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}
	return rec, nil
}

// ListByUser returns a user's most recent receipts
func (r *SettlementRepository) ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.SettlementRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlement_records
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2`, strings.ToLower(userAddress), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement records: %w", err)
	}
	defer rows.Close()

	var out []*models.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlementRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
