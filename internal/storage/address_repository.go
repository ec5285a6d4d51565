package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/types"
	"github.com/jackc/pgx/v5"
)

// Ethereum address regex pattern (0x followed by 40 hexadecimal characters)
var ethereumAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidateAddress validates an Ethereum address format. Malformed input is
// rejected rather than normalized.
func ValidateAddress(address string) error {
	if !ethereumAddressRegex.MatchString(address) {
		return &types.ServiceError{
			Code:    "INVALID_ADDRESS_FORMAT",
			Message: fmt.Sprintf("invalid address format: %s (must be 0x followed by 40 hexadecimal characters)", address),
			Details: map[string]any{
				"address": address,
				"format":  "0x[a-fA-F0-9]{40}",
			},
		}
	}
	return nil
}

// AddressRepository persists the monitored address registry
type AddressRepository struct {
	db *PostgresDB
}

// NewAddressRepository creates a new address repository
func NewAddressRepository(db *PostgresDB) *AddressRepository {
	return &AddressRepository{db: db}
}

const addressColumns = `address, label, wallet_id, active, created_at, updated_at`

func scanAddress(row pgx.Row) (*models.MonitoredAddress, error) {
	var a models.MonitoredAddress
	if err := row.Scan(&a.Address, &a.Label, &a.WalletID, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Get retrieves an address record, returning nil when it does not exist
func (r *AddressRepository) Get(ctx context.Context, address string) (*models.MonitoredAddress, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	query := `SELECT ` + addressColumns + ` FROM monitored_addresses WHERE address = $1`
	a, err := scanAddress(r.db.Pool().QueryRow(ctx, query, strings.ToLower(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get monitored address: %w", err)
	}
	return a, nil
}

// Upsert registers address. A new address is inserted; an inactive one is
// reactivated with label and wallet id taken from this request; an active one
// is returned unchanged. Each step is a single conditional statement, so
// concurrent registrations of the same address report new exactly once.
func (r *AddressRepository) Upsert(ctx context.Context, address string, label, walletID *string) (*models.MonitoredAddress, types.RegistrationStatus, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, "", err
	}
	address = strings.ToLower(address)
	pool := r.db.Pool()

	insert := `
		INSERT INTO monitored_addresses (address, label, wallet_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		ON CONFLICT (address) DO NOTHING
		RETURNING ` + addressColumns
	a, err := scanAddress(pool.QueryRow(ctx, insert, address, label, walletID))
	if err == nil {
		return a, types.RegistrationNew, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("failed to insert monitored address: %w", err)
	}

	reactivate := `
		UPDATE monitored_addresses
		SET active = TRUE, label = $2, wallet_id = $3, updated_at = NOW()
		WHERE address = $1 AND NOT active
		RETURNING ` + addressColumns
	a, err = scanAddress(pool.QueryRow(ctx, reactivate, address, label, walletID))
	if err == nil {
		return a, types.RegistrationReactivated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("failed to reactivate monitored address: %w", err)
	}

	a, err = r.Get(ctx, address)
	if err != nil {
		return nil, "", err
	}
	if a == nil {
		return nil, "", fmt.Errorf("monitored address %s vanished during registration", address)
	}
	return a, types.RegistrationAlreadyRegistered, nil
}

// Deactivate flips the active flag off; it reports false if the address is unknown
func (r *AddressRepository) Deactivate(ctx context.Context, address string) (bool, error) {
	if err := ValidateAddress(address); err != nil {
		return false, err
	}

	result, err := r.db.Pool().Exec(ctx,
		`UPDATE monitored_addresses SET active = FALSE, updated_at = NOW() WHERE address = $1`,
		strings.ToLower(address))
	if err != nil {
		return false, fmt.Errorf("failed to deactivate monitored address: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListActiveAddresses returns the lowercase addresses of every active entry
func (r *AddressRepository) ListActiveAddresses(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT address FROM monitored_addresses WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// List returns every registry entry, active ones first
func (r *AddressRepository) List(ctx context.Context) ([]*models.MonitoredAddress, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+addressColumns+` FROM monitored_addresses ORDER BY active DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored addresses: %w", err)
	}
	defer rows.Close()

	var out []*models.MonitoredAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
