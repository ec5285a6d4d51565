// Package adapter holds the outbound integrations used to settle round-ups
// on chain.
package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// BroadcastRequest describes one value-bearing contract call
type BroadcastRequest struct {
	Contract string   // Staking contract address
	Value    *big.Int // Settlement asset, smallest unit
	Calldata []byte
	From     string  // Owner of the spend; the call is signed on their behalf
	WalletID *string // Provider wallet id, when the signer needs one
}

// Broadcaster submits a deposit and returns its transaction hash
type Broadcaster interface {
	Broadcast(ctx context.Context, req BroadcastRequest) (string, error)
}

// MethodSelector returns the 4-byte selector for a Solidity signature
// such as "stake()"
func MethodSelector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// AdapterError records which broadcaster step failed
type AdapterError struct {
	Op      string // Step that failed, e.g. "EstimateGas"
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("broadcaster error [%s]: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("broadcaster error [%s]: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{Op: op, Err: err, Details: details}
}
