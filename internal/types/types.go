// Package types provides common type definitions for the round-up service.
package types

// TransactionType labels a transfer relative to the monitored wallet set
type TransactionType string

const (
	// TransactionSpend is a transfer out of a monitored wallet to an outside address
	TransactionSpend TransactionType = "spend"
	// TransactionReceive is a transfer into a monitored wallet from an outside address
	TransactionReceive TransactionType = "receive"
	// TransactionInternal is a transfer between two monitored wallets
	TransactionInternal TransactionType = "internal"
	// TransactionUnknown involves no monitored wallet and is never persisted
	TransactionUnknown TransactionType = "unknown"
)

// IsPersisted reports whether entries of this type belong in the ledger
func (t TransactionType) IsPersisted() bool {
	return t == TransactionSpend || t == TransactionReceive || t == TransactionInternal
}

// SettlementStatus is the outcome of a settlement attempt
type SettlementStatus string

const (
	// SettlementSettled means the deposit was broadcast and the entry marked settled
	SettlementSettled SettlementStatus = "SETTLED"
	// SettlementAlreadySettled means another attempt settled (or is settling) the entry
	SettlementAlreadySettled SettlementStatus = "ALREADY_SETTLED"
	// SettlementAmountTooSmall means the converted deposit rounds to zero smallest units
	SettlementAmountTooSmall SettlementStatus = "AMOUNT_TOO_SMALL"
	// SettlementBroadcastFailed means the signer or chain rejected the deposit
	SettlementBroadcastFailed SettlementStatus = "BROADCAST_FAILED"
)

// IsSuccess reports whether callers should treat the status as success
func (s SettlementStatus) IsSuccess() bool {
	return s == SettlementSettled || s == SettlementAlreadySettled
}

// RegistrationStatus is the outcome of registering a monitored wallet
type RegistrationStatus string

const (
	// RegistrationNew means the address was inserted for the first time
	RegistrationNew RegistrationStatus = "new"
	// RegistrationReactivated means a deactivated address was turned back on
	RegistrationReactivated RegistrationStatus = "reactivated"
	// RegistrationAlreadyRegistered means the address was already active; nothing changed
	RegistrationAlreadyRegistered RegistrationStatus = "already_registered"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
