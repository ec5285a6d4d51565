// Package models provides data models for the round-up service.
package models

import (
	"time"
)

// MonitoredAddress is a wallet whose USDC transfers are classified and ledgered.
// Rows are never deleted; deactivation flips Active off.
type MonitoredAddress struct {
	Address   string    `json:"address" db:"address"`
	Label     *string   `json:"label,omitempty" db:"label"`
	WalletID  *string   `json:"walletId,omitempty" db:"wallet_id"` // Wallet-provider id used when signing
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
