package service

import (
	"testing"

	"github.com/coffee-change/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	const (
		alice = "0xa11ce00000000000000000000000000000000001"
		bob   = "0xb0b0000000000000000000000000000000000002"
		shop  = "0x5409000000000000000000000000000000000003"
		other = "0x0000000000000000000000000000000000000004"
	)
	active := map[string]struct{}{alice: {}, bob: {}}

	tests := []struct {
		name     string
		from, to string
		want     types.TransactionType
		user     string
	}{
		{"spend to merchant", alice, shop, types.TransactionSpend, alice},
		{"receive from outside", shop, bob, types.TransactionReceive, bob},
		{"between monitored wallets", alice, bob, types.TransactionInternal, bob},
		{"neither monitored", shop, other, types.TransactionUnknown, other},
		{"mixed case sender", "0xA11CE00000000000000000000000000000000001", shop, types.TransactionSpend, alice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.from, tt.to, active)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.user, UserAddress(got, tt.from, tt.to))
		})
	}
}

func TestClassifyEmptySet(t *testing.T) {
	assert.Equal(t, types.TransactionUnknown, Classify("0x1", "0x2", nil))
}
