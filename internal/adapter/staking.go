package adapter

import (
	"fmt"

	"github.com/coffee-change/internal/config"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/retry"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NewStakingBroadcaster signs stake() calls with the configured session keys
// and trips a circuit breaker when the RPC endpoint keeps failing
func NewStakingBroadcaster(cfg *config.Config) (Broadcaster, error) {
	if cfg.Settlement.StakingContract == "" {
		return nil, fmt.Errorf("STAKING_CONTRACT_ADDRESS is required")
	}
	chainID, err := hexutil.DecodeBig(cfg.Chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_ID %q: %w", cfg.Chain.ChainID, err)
	}

	rc := retry.DefaultConfig()
	if cfg.Settlement.MaxRPCAttempts > 0 {
		rc.MaxAttempts = cfg.Settlement.MaxRPCAttempts
	}

	eth, err := NewEthereumBroadcaster(EthereumBroadcasterConfig{
		RPCURL:           cfg.Chain.RPCURL,
		ChainID:          chainID,
		PrivateKeys:      cfg.Signer.PrivateKeys,
		GasBufferPercent: cfg.Settlement.GasLimitBuffer,
		Retry:            rc,
	})
	if err != nil {
		return nil, err
	}
	if len(eth.Signers()) == 0 {
		logging.Warnf("No SIGNER_KEYS loaded; every server-side settlement will fail with signer unavailable")
	}

	return NewBreakerBroadcaster(eth, DefaultBreakerSettings()), nil
}
