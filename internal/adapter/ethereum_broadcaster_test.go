package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stakingContract = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

type fakeChain struct {
	mu          sync.Mutex
	nonce       uint64
	nonceErrs   int
	estimateErr error
	sendErr     error
	baseFee     *big.Int
	sent        []*ethtypes.Transaction
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErrs > 0 {
		f.nonceErrs--
		return 0, errors.New("connection reset")
	}
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func newTestBroadcaster(t *testing.T, chain *fakeChain) (*EthereumBroadcaster, string) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	b, err := NewEthereumBroadcasterWithClient(chain, EthereumBroadcasterConfig{
		ChainID:          big.NewInt(11155111),
		PrivateKeys:      []string{"0x" + hex.EncodeToString(crypto.FromECDSA(key))},
		GasBufferPercent: 20,
		Retry:            &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	return b, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestMethodSelector(t *testing.T) {
	assert.Equal(t, "3a4b66f1", hex.EncodeToString(MethodSelector("stake()")))
	assert.Equal(t, "a694fc3a", hex.EncodeToString(MethodSelector("stake(uint256)")))
}

func TestEthereumBroadcasterSignsDynamicFeeTx(t *testing.T) {
	chain := &fakeChain{nonce: 7, nonceErrs: 1, baseFee: big.NewInt(2_000_000_000)}
	b, from := newTestBroadcaster(t, chain)

	value := big.NewInt(233333333333333)
	hash, err := b.Broadcast(context.Background(), BroadcastRequest{
		Contract: stakingContract,
		Value:    value,
		Calldata: MethodSelector("stake()"),
		From:     from,
	})
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, strings.ToLower(tx.Hash().Hex()), hash)
	assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, 0, tx.Value().Cmp(value))
	assert.Equal(t, common.HexToAddress(stakingContract), *tx.To())
	assert.Equal(t, MethodSelector("stake()"), tx.Data())
	assert.Equal(t, big.NewInt(5_000_000_000), tx.GasFeeCap())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, strings.ToLower(sender.Hex()))
}

func TestEthereumBroadcasterUnknownSigner(t *testing.T) {
	chain := &fakeChain{baseFee: big.NewInt(1)}
	b, _ := newTestBroadcaster(t, chain)

	_, err := b.Broadcast(context.Background(), BroadcastRequest{
		Contract: stakingContract,
		Value:    big.NewInt(1),
		From:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	assert.ErrorIs(t, err, apperrors.ErrSignerUnavailable)
	assert.Empty(t, chain.sent)
}

func TestEthereumBroadcasterFailures(t *testing.T) {
	reverted := errors.New("execution reverted")

	tests := []struct {
		name  string
		chain *fakeChain
		value *big.Int
		op    string
	}{
		{"estimate reverts", &fakeChain{baseFee: big.NewInt(1), estimateErr: reverted}, big.NewInt(1), "EstimateGas"},
		{"send rejected", &fakeChain{baseFee: big.NewInt(1), sendErr: errors.New("insufficient funds")}, big.NewInt(1), "SendTransaction"},
		{"pre-london chain", &fakeChain{}, big.NewInt(1), "HeaderByNumber"},
		{"zero value", &fakeChain{baseFee: big.NewInt(1)}, big.NewInt(0), "Validate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, from := newTestBroadcaster(t, tt.chain)
			_, err := b.Broadcast(context.Background(), BroadcastRequest{
				Contract: stakingContract,
				Value:    tt.value,
				From:     from,
			})

			var adapterErr *AdapterError
			require.ErrorAs(t, err, &adapterErr)
			assert.Equal(t, tt.op, adapterErr.Op)
		})
	}
}

func TestParseSignerKeysRejectsGarbage(t *testing.T) {
	_, err := NewEthereumBroadcasterWithClient(&fakeChain{}, EthereumBroadcasterConfig{
		ChainID:     big.NewInt(1),
		PrivateKeys: []string{"not-a-key"},
	})
	assert.Error(t, err)
}
