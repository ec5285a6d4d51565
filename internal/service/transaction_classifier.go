package service

import (
	"strings"

	"github.com/coffee-change/internal/types"
)

// Classify labels a transfer against the active wallet set. Addresses are
// compared lowercase.
func Classify(from, to string, active map[string]struct{}) types.TransactionType {
	_, fromActive := active[strings.ToLower(from)]
	_, toActive := active[strings.ToLower(to)]

	switch {
	case fromActive && toActive:
		return types.TransactionInternal
	case fromActive:
		return types.TransactionSpend
	case toActive:
		return types.TransactionReceive
	default:
		return types.TransactionUnknown
	}
}

// UserAddress picks the wallet a ledger entry belongs to: the sender for a
// spend, the recipient otherwise
func UserAddress(t types.TransactionType, from, to string) string {
	if t == types.TransactionSpend {
		return strings.ToLower(from)
	}
	return strings.ToLower(to)
}
