package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// LedgerRepository persists ledger entries and their settlement receipts.
// Every state transition is a conditional update so that concurrent
// webhook deliveries and settlement attempts coordinate through Postgres.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const ledgerColumns = `
	id::text, tx_hash, block_number, chain_id, contract_address,
	from_address, to_address, user_address, amount::text, amount_raw::text,
	transaction_type, confirmed, log_index, transaction_index,
	round_up_amount::text, round_up_processed, round_up_tx_hash, settling_until,
	created_at, updated_at`

// pendingRoundUp selects spends with an unsettled, positive round-up
const pendingRoundUp = `transaction_type = 'spend' AND NOT round_up_processed AND round_up_amount > 0`

// scanLedgerEntry scans ledgerColumns, followed by any extra destinations
func scanLedgerEntry(row pgx.Row, extra ...any) (*models.LedgerEntry, error) {
	var (
		e                           models.LedgerEntry
		amount, roundUp             string
		blockNumber, logIndex, txIx int64
	)
	dest := []any{
		&e.ID, &e.TxHash, &blockNumber, &e.ChainID, &e.ContractAddress,
		&e.FromAddress, &e.ToAddress, &e.UserAddress, &amount, &e.AmountRaw,
		&e.TransactionType, &e.Confirmed, &logIndex, &txIx,
		&roundUp, &e.RoundUpProcessed, &e.RoundUpTxHash, &e.SettlingUntil,
		&e.CreatedAt, &e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.BlockNumber = uint64(blockNumber) // #nosec G115 - column is CHECKed non-negative
	e.LogIndex = uint64(logIndex)       // #nosec G115
	e.TransactionIndex = uint64(txIx)   // #nosec G115

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if e.RoundUpAmount, err = decimal.NewFromString(roundUp); err != nil {
		return nil, fmt.Errorf("invalid round_up_amount %q: %w", roundUp, err)
	}
	return &e, nil
}

func collectLedgerEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertTransaction inserts entry keyed by tx hash. When the hash already
// exists only confirmed, block_number and updated_at change; amounts, type
// and round-up keep their first-insert values. Confirmation is sticky: a
// late unconfirmed delivery changes neither flag nor block number. The returned entry is the
// stored row and inserted reports whether this call created it.
func (r *LedgerRepository) UpsertTransaction(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ledger_entries (
			id, tx_hash, block_number, chain_id, contract_address,
			from_address, to_address, user_address, amount, amount_raw,
			transaction_type, confirmed, log_index, transaction_index,
			round_up_amount, round_up_processed, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric,
			$11, $12, $13, $14, $15::text::numeric, FALSE, NOW(), NOW())
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmed = ledger_entries.confirmed OR EXCLUDED.confirmed,
			block_number = CASE WHEN ledger_entries.confirmed
				THEN ledger_entries.block_number ELSE EXCLUDED.block_number END,
			updated_at = NOW()
		RETURNING ` + ledgerColumns + `, (xmax = 0) AS inserted`

	var inserted bool
	stored, err := scanLedgerEntry(r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		strings.ToLower(entry.TxHash),
		int64(entry.BlockNumber), // #nosec G115 - block heights fit in int64
		entry.ChainID,
		strings.ToLower(entry.ContractAddress),
		strings.ToLower(entry.FromAddress),
		strings.ToLower(entry.ToAddress),
		strings.ToLower(entry.UserAddress),
		entry.Amount.String(),
		entry.AmountRaw,
		string(entry.TransactionType),
		entry.Confirmed,
		int64(entry.LogIndex),         // #nosec G115
		int64(entry.TransactionIndex), // #nosec G115
		entry.RoundUpAmount.String(),
	), &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return stored, inserted, nil
}

// GetByID returns the entry or nil when it does not exist
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*models.LedgerEntry, error) {
	return r.getOne(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
}

// GetByTxHash returns the entry or nil when it does not exist
func (r *LedgerRepository) GetByTxHash(ctx context.Context, txHash string) (*models.LedgerEntry, error) {
	return r.getOne(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE tx_hash = $1`, strings.ToLower(txHash))
}

func (r *LedgerRepository) getOne(ctx context.Context, query string, arg any) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(r.db.Pool().QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

// FindUnsettledRoundUps returns a user's pending spends in chain order
func (r *LedgerRepository) FindUnsettledRoundUps(ctx context.Context, userAddress string) ([]*models.LedgerEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE user_address = $1 AND `+pendingRoundUp+`
		ORDER BY block_number, log_index`, strings.ToLower(userAddress))
	if err != nil {
		return nil, fmt.Errorf("failed to find unsettled round-ups: %w", err)
	}
	return collectLedgerEntries(rows)
}

// ListUsersWithPending returns every user with at least one pending round-up
func (r *LedgerRepository) ListUsersWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT user_address FROM ledger_entries
		WHERE `+pendingRoundUp+`
		ORDER BY user_address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pending round-ups: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user address: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListByUser returns a user's most recent entries
func (r *LedgerRepository) ListByUser(ctx context.Context, userAddress string, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2`, strings.ToLower(userAddress), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return collectLedgerEntries(rows)
}

// ClaimForSettlement takes a settlement lease on an unsettled entry. It
// reports false when the entry is settled or another claim is still live.
func (r *LedgerRepository) ClaimForSettlement(ctx context.Context, id string, lease time.Duration) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries
		SET settling_until = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id = $1
		  AND NOT round_up_processed
		  AND (settling_until IS NULL OR settling_until < NOW())`,
		id, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim ledger entry: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseClaim drops the lease so a later attempt can retry immediately
func (r *LedgerRepository) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries SET settling_until = NULL, updated_at = NOW()
		WHERE id = $1 AND NOT round_up_processed`, id)
	if err != nil {
		return fmt.Errorf("failed to release ledger claim: %w", err)
	}
	return nil
}

// MarkSettled flips an entry to settled. It returns ErrAlreadySettled when
// the entry was already settled (or does not exist).
func (r *LedgerRepository) MarkSettled(ctx context.Context, id, settlementTxHash string) error {
	return markSettled(ctx, r.db.Pool(), id, settlementTxHash)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func markSettled(ctx context.Context, q execer, id, settlementTxHash string) error {
	result, err := q.Exec(ctx, `
		UPDATE ledger_entries
		SET round_up_processed = TRUE, round_up_tx_hash = $2, settling_until = NULL, updated_at = NOW()
		WHERE id = $1 AND NOT round_up_processed`,
		id, strings.ToLower(settlementTxHash))
	if err != nil {
		return fmt.Errorf("failed to mark ledger entry settled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrAlreadySettled
	}
	return nil
}

// CompleteSettlement marks the entry settled and appends its receipt in
// one transaction. If the entry was settled meanwhile nothing is written
// and ErrAlreadySettled is returned.
func (r *LedgerRepository) CompleteSettlement(ctx context.Context, id string, record *models.SettlementRecord) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := markSettled(ctx, tx, id, record.SettlementTxHash); err != nil {
			return err
		}
		record.LedgerEntryID = &id
		return insertSettlementRecord(ctx, tx, record)
	})
}

// MarkAllSettledForUser settles every pending spend of a user against one
// externally broadcast transaction and appends a single receipt covering
// them. Entries currently leased by an in-flight settlement are skipped.
// It returns the number of entries settled and their summed round-up.
func (r *LedgerRepository) MarkAllSettledForUser(ctx context.Context, userAddress string, record *models.SettlementRecord) (int64, decimal.Decimal, error) {
	var (
		count int64
		total = decimal.Zero
	)
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE ledger_entries
			SET round_up_processed = TRUE, round_up_tx_hash = $2, settling_until = NULL, updated_at = NOW()
			WHERE user_address = $1 AND `+pendingRoundUp+`
			  AND (settling_until IS NULL OR settling_until < NOW())
			RETURNING round_up_amount::text`,
			strings.ToLower(userAddress), strings.ToLower(record.SettlementTxHash))
		if err != nil {
			return fmt.Errorf("failed to mark user entries settled: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return fmt.Errorf("failed to scan round-up: %w", err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return fmt.Errorf("invalid round_up_amount %q: %w", s, err)
			}
			total = total.Add(d)
			count++
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if count == 0 {
			return nil
		}
		record.UserAddress = strings.ToLower(userAddress)
		record.RoundUpAmount = total
		record.LedgerEntryID = nil
		return insertSettlementRecord(ctx, tx, record)
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	return count, total, nil
}

// Summary aggregates a user's ledger and settlement receipts
func (r *LedgerRepository) Summary(ctx context.Context, userAddress string) (*models.LedgerSummary, error) {
	user := strings.ToLower(userAddress)
	s := &models.LedgerSummary{UserAddress: user}

	var totalSpent, totalRoundUp, pendingAmount string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE transaction_type = 'spend'),
			COALESCE(SUM(amount) FILTER (WHERE transaction_type = 'spend'), 0)::text,
			COALESCE(SUM(round_up_amount) FILTER (WHERE transaction_type = 'spend'), 0)::text,
			COUNT(*) FILTER (WHERE transaction_type = 'spend' AND round_up_processed),
			COUNT(*) FILTER (WHERE `+pendingRoundUp+`),
			COALESCE(SUM(round_up_amount) FILTER (WHERE `+pendingRoundUp+`), 0)::text
		FROM ledger_entries
		WHERE user_address = $1`, user,
	).Scan(&s.TotalTransactions, &s.SpendingTransactions, &totalSpent, &totalRoundUp,
		&s.ProcessedRoundUps, &s.PendingRoundUps, &pendingAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize ledger: %w", err)
	}

	for dst, src := range map[*decimal.Decimal]string{
		&s.TotalSpent:           totalSpent,
		&s.TotalRoundUp:         totalRoundUp,
		&s.PendingRoundUpAmount: pendingAmount,
	} {
		if *dst, err = decimal.NewFromString(src); err != nil {
			return nil, fmt.Errorf("invalid aggregate %q: %w", src, err)
		}
	}

	err = r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(settlement_amount_raw), 0)::text
		FROM settlement_records WHERE user_address = $1`, user,
	).Scan(&s.TotalInvestments, &s.TotalStakedRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize settlements: %w", err)
	}
	return s, nil
}
