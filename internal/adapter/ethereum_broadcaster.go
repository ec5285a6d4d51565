package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of ethclient.Client the broadcaster needs
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// EthereumBroadcasterConfig configures an EthereumBroadcaster
type EthereumBroadcasterConfig struct {
	RPCURL           string
	ChainID          *big.Int
	PrivateKeys      []string // Hex session-signer keys, with or without 0x
	GasBufferPercent uint64
	Retry            *retry.Config // Applied to pre-broadcast reads only
}

// EthereumBroadcaster signs EIP-1559 transactions with server-held session
// signer keys and submits them over JSON-RPC. Each request must come from
// an address whose key is loaded.
type EthereumBroadcaster struct {
	client    ChainClient
	chainID   *big.Int
	signer    ethtypes.Signer
	keys      map[common.Address]*ecdsa.PrivateKey
	gasBuffer uint64
	retry     *retry.Config

	// Serializes nonce assignment per sender
	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// NewEthereumBroadcaster dials cfg.RPCURL
func NewEthereumBroadcaster(cfg EthereumBroadcasterConfig) (*EthereumBroadcaster, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, NewAdapterError("Dial", err, nil)
	}
	return NewEthereumBroadcasterWithClient(client, cfg)
}

// NewEthereumBroadcasterWithClient builds a broadcaster over an existing client
func NewEthereumBroadcasterWithClient(client ChainClient, cfg EthereumBroadcasterConfig) (*EthereumBroadcaster, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}

	keys, err := parseSignerKeys(cfg.PrivateKeys)
	if err != nil {
		return nil, err
	}

	rc := cfg.Retry
	if rc == nil {
		rc = retry.DefaultConfig()
	}

	return &EthereumBroadcaster{
		client:    client,
		chainID:   new(big.Int).Set(cfg.ChainID),
		signer:    ethtypes.LatestSignerForChainID(cfg.ChainID),
		keys:      keys,
		gasBuffer: cfg.GasBufferPercent,
		retry:     rc,
		locks:     make(map[common.Address]*sync.Mutex),
	}, nil
}

func parseSignerKeys(raw []string) (map[common.Address]*ecdsa.PrivateKey, error) {
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(raw))
	for i, k := range raw {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key #%d: %w", i+1, err)
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return keys, nil
}

// Signers lists the addresses this broadcaster can sign for
func (b *EthereumBroadcaster) Signers() []string {
	out := make([]string, 0, len(b.keys))
	for addr := range b.keys {
		out = append(out, strings.ToLower(addr.Hex()))
	}
	return out
}

func (b *EthereumBroadcaster) senderLock(addr common.Address) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	mu, ok := b.locks[addr]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[addr] = mu
	}
	return mu
}

// Broadcast implements Broadcaster
func (b *EthereumBroadcaster) Broadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	if !common.IsHexAddress(req.From) || !common.IsHexAddress(req.Contract) {
		return "", NewAdapterError("Validate", fmt.Errorf("invalid from %q or contract %q", req.From, req.Contract), nil)
	}
	if req.Value == nil || req.Value.Sign() <= 0 {
		return "", NewAdapterError("Validate", fmt.Errorf("value must be positive"), nil)
	}

	from := common.HexToAddress(req.From)
	key, ok := b.keys[from]
	if !ok {
		return "", fmt.Errorf("%w for %s", apperrors.ErrSignerUnavailable, strings.ToLower(req.From))
	}
	to := common.HexToAddress(req.Contract)

	mu := b.senderLock(from)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := retry.Do(ctx, b.retry, func(ctx context.Context) (uint64, error) {
		return b.client.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return "", NewAdapterError("PendingNonceAt", err, nil)
	}

	tipCap, err := retry.Do(ctx, b.retry, b.client.SuggestGasTipCap)
	if err != nil {
		return "", NewAdapterError("SuggestGasTipCap", err, nil)
	}

	head, err := retry.Do(ctx, b.retry, func(ctx context.Context) (*ethtypes.Header, error) {
		return b.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return "", NewAdapterError("HeaderByNumber", err, nil)
	}
	if head.BaseFee == nil {
		return "", NewAdapterError("HeaderByNumber", errors.New("chain does not report a base fee"), nil)
	}
	// Headroom for two full blocks of base fee growth
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	msg := ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Value:     req.Value,
		Data:      req.Calldata,
	}
	gas, err := retry.Do(ctx, b.retry, func(ctx context.Context) (uint64, error) {
		return b.client.EstimateGas(ctx, msg)
	})
	if err != nil {
		return "", NewAdapterError("EstimateGas", err, nil)
	}
	gas += gas * b.gasBuffer / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     req.Value,
		Data:      req.Calldata,
	})

	signed, err := ethtypes.SignTx(tx, b.signer, key)
	if err != nil {
		return "", NewAdapterError("SignTx", err, nil)
	}

	// Not retried: a resend after an ambiguous failure is left to the
	// next settlement attempt once the claim lease is released
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return "", NewAdapterError("SendTransaction", err, map[string]interface{}{
			"nonce": nonce,
		})
	}

	hash := strings.ToLower(signed.Hash().Hex())
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"txHash": hash,
		"from":   strings.ToLower(from.Hex()),
		"nonce":  nonce,
		"gas":    gas,
		"value":  req.Value.String(),
	}).Info("staking deposit broadcast")

	return hash, nil
}
