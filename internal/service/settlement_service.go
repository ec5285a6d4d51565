package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/coffee-change/internal/adapter"
	"github.com/coffee-change/internal/config"
	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/retry"
	"github.com/coffee-change/internal/roundup"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// WalletResolver maps a user address to its provider wallet id
type WalletResolver interface {
	ResolveWallet(ctx context.Context, address string) (*string, error)
}

// SettlementConfig configures the settlement orchestrator
type SettlementConfig struct {
	StakingContract  string
	AssetDecimals    int32
	MethodSignature  string
	BroadcastTimeout time.Duration
	ClaimLease       time.Duration
	RecordRetry      *retry.Config // Applied when persisting a broadcast deposit
}

// NewSettlementConfig maps the environment settings onto the service config
func NewSettlementConfig(c *config.SettlementConfig) SettlementConfig {
	return SettlementConfig{
		StakingContract:  c.StakingContract,
		AssetDecimals:    c.AssetDecimals,
		MethodSignature:  c.MethodSignature,
		BroadcastTimeout: c.BroadcastTimeout,
		ClaimLease:       c.ClaimLease,
	}
}

// SettlementService turns pending round-ups into staking deposits. Every
// entry moves Unsettled -> Settling (claim lease) -> Settled, or back to
// Unsettled when the broadcast fails. Cross-instance safety rests on the
// conditional updates in the ledger store; nothing here holds a lock.
type SettlementService struct {
	cfg         SettlementConfig
	calldata    []byte
	ledger      LedgerStore
	settlements SettlementStore
	wallets     WalletResolver
	rates       roundup.RateProvider
	broadcaster adapter.Broadcaster
}

// NewSettlementService creates a new settlement service
func NewSettlementService(
	cfg SettlementConfig,
	ledger LedgerStore,
	settlements SettlementStore,
	wallets WalletResolver,
	rates roundup.RateProvider,
	broadcaster adapter.Broadcaster,
) *SettlementService {
	if cfg.MethodSignature == "" {
		cfg.MethodSignature = "stake()"
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 60 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	// The lease must outlive the broadcast plus the completion window, or
	// another settler can re-claim an entry whose deposit is still in flight.
	if floor := minClaimLease(cfg.BroadcastTimeout); cfg.ClaimLease <= floor {
		logging.WithFields(map[string]interface{}{
			"claimLease":       cfg.ClaimLease.String(),
			"broadcastTimeout": cfg.BroadcastTimeout.String(),
		}).Warn("claim lease too short for broadcast timeout, extending")
		cfg.ClaimLease = floor + time.Minute
	}
	rc := retry.DefaultConfig()
	if cfg.RecordRetry != nil {
		*rc = *cfg.RecordRetry
	}
	if rc.Retryable == nil {
		rc.Retryable = func(err error) bool {
			return !errors.Is(err, apperrors.ErrAlreadySettled)
		}
	}
	cfg.RecordRetry = rc
	cfg.StakingContract = strings.ToLower(cfg.StakingContract)

	return &SettlementService{
		cfg:         cfg,
		calldata:    adapter.MethodSelector(cfg.MethodSignature),
		ledger:      ledger,
		settlements: settlements,
		wallets:     wallets,
		rates:       rates,
		broadcaster: broadcaster,
	}
}

// minClaimLease is the broadcast window plus the completion window that
// follows it; both are bounded by the broadcast timeout
func minClaimLease(broadcastTimeout time.Duration) time.Duration {
	return 2 * broadcastTimeout
}

// SettlementResult is the outcome of settling one ledger entry
type SettlementResult struct {
	LedgerEntryID                  string                 `json:"ledgerEntryId"`
	Status                         types.SettlementStatus `json:"status"`
	RoundUpAmount                  decimal.Decimal        `json:"roundUpAmount"`
	SettlementTxHash               string                 `json:"settlementTxHash,omitempty"`
	SettlementAmountInSmallestUnit string                 `json:"settlementAmountInSmallestUnit,omitempty"`
	ContractAddress                string                 `json:"contractAddress"`
	Reason                         string                 `json:"reason,omitempty"`
}

// SettleRequest identifies one entry by id or by its transfer hash and
// names the user it must belong to
type SettleRequest struct {
	LedgerEntryID string  `json:"ledgerEntryId"`
	TransactionID string  `json:"transactionId"` // Ledger entry id or transfer tx hash
	UserAddress   string  `json:"userAddress"`
	RoundUpAmount *string `json:"roundUpAmount,omitempty"` // Checked against the ledger when given
}

func validateEntryID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NewValidationError(field, "must be a UUID")
	}
	return nil
}

// Settle settles one ledger entry by id
func (s *SettlementService) Settle(ctx context.Context, entryID string) (*SettlementResult, error) {
	if err := validateEntryID("ledgerEntryId", entryID); err != nil {
		return nil, err
	}
	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return s.settleEntry(ctx, entry)
}

// SettleForUser validates a client request and settles the entry it names
func (s *SettlementService) SettleForUser(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	if err := storage.ValidateAddress(req.UserAddress); err != nil {
		return nil, apperrors.NewInvalidAddressError(req.UserAddress)
	}

	var (
		entry *models.LedgerEntry
		err   error
	)
	switch {
	case req.LedgerEntryID != "":
		if err := validateEntryID("ledgerEntryId", req.LedgerEntryID); err != nil {
			return nil, err
		}
		entry, err = s.getEntry(ctx, req.LedgerEntryID)
	case validateEntryID("transactionId", req.TransactionID) == nil:
		// Dashboard clients send the ledger row id as transactionId
		entry, err = s.getEntry(ctx, req.TransactionID)
	case req.TransactionID != "":
		if !txHashRegex.MatchString(req.TransactionID) {
			return nil, apperrors.NewValidationError("transactionId", "must be a ledger entry UUID or a 32-byte hex hash")
		}
		entry, err = s.ledger.GetByTxHash(ctx, req.TransactionID)
		if err != nil {
			return nil, apperrors.NewStoreError("get ledger entry", err)
		}
		if entry == nil {
			return nil, apperrors.NewNotFoundError("ledger entry", strings.ToLower(req.TransactionID))
		}
	default:
		return nil, apperrors.NewValidationError("ledgerEntryId", "ledgerEntryId or transactionId is required")
	}
	if err != nil {
		return nil, err
	}

	if entry.UserAddress != strings.ToLower(req.UserAddress) {
		return nil, apperrors.NewValidationError("userAddress", "does not own the ledger entry")
	}
	if req.RoundUpAmount != nil {
		claimed, perr := decimal.NewFromString(*req.RoundUpAmount)
		if perr != nil {
			return nil, apperrors.NewValidationError("roundUpAmount", "must be a decimal number")
		}
		if !claimed.Equal(entry.RoundUpAmount) {
			return nil, apperrors.NewValidationError("roundUpAmount", fmt.Sprintf("does not match ledger value %s", entry.RoundUpAmount))
		}
	}

	return s.settleEntry(ctx, entry)
}

func (s *SettlementService) getEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	entry, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewStoreError("get ledger entry", err)
	}
	if entry == nil {
		return nil, apperrors.NewNotFoundError("ledger entry", id)
	}
	return entry, nil
}

func (s *SettlementService) result(entry *models.LedgerEntry, status types.SettlementStatus) *SettlementResult {
	return &SettlementResult{
		LedgerEntryID:   entry.ID,
		Status:          status,
		RoundUpAmount:   entry.RoundUpAmount,
		ContractAddress: s.cfg.StakingContract,
	}
}

func (s *SettlementService) alreadySettled(entry *models.LedgerEntry) *SettlementResult {
	res := s.result(entry, types.SettlementAlreadySettled)
	if entry.RoundUpTxHash != nil {
		res.SettlementTxHash = *entry.RoundUpTxHash
	} else {
		res.Reason = "settlement in progress"
	}
	return res
}

func (s *SettlementService) settleEntry(ctx context.Context, entry *models.LedgerEntry) (res *SettlementResult, err error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"ledgerEntryId": entry.ID,
		"user":          entry.UserAddress,
		"roundUp":       entry.RoundUpAmount.String(),
	})
	defer func() {
		if res != nil {
			metrics.RecordSettlement(string(res.Status))
		}
	}()

	if entry.RoundUpProcessed {
		return s.alreadySettled(entry), nil
	}
	if entry.TransactionType != types.TransactionSpend || !entry.RoundUpAmount.IsPositive() {
		res = s.result(entry, types.SettlementAmountTooSmall)
		res.Reason = "entry has no round-up"
		return res, nil
	}

	rate, err := s.rates.Rate(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError("conversion rate unavailable", err)
	}
	value, err := roundup.ToSmallestUnit(entry.RoundUpAmount, rate, s.cfg.AssetDecimals)
	if err != nil {
		return nil, apperrors.NewInternalError("conversion failed", err)
	}
	if value.Sign() <= 0 {
		res = s.result(entry, types.SettlementAmountTooSmall)
		res.Reason = fmt.Sprintf("round-up %s converts to zero at rate %s", entry.RoundUpAmount, rate)
		return res, nil
	}

	walletID, err := s.wallets.ResolveWallet(ctx, entry.UserAddress)
	if err != nil {
		return nil, err
	}

	claimed, err := s.ledger.ClaimForSettlement(ctx, entry.ID, s.cfg.ClaimLease)
	if err != nil {
		return nil, apperrors.NewStoreError("claim ledger entry", err)
	}
	if !claimed {
		current, err := s.getEntry(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger entry settled or claimed elsewhere")
		return s.alreadySettled(current), nil
	}

	// From here the deposit may reach the chain, so caller cancellation must
	// not interrupt recording it.
	detached := context.WithoutCancel(ctx)

	txHash, err := s.broadcast(detached, entry, value, walletID)
	if err != nil {
		logger.WithError(err).Warn("settlement broadcast failed")
		s.releaseClaim(detached, entry.ID)
		res = s.result(entry, types.SettlementBroadcastFailed)
		res.SettlementAmountInSmallestUnit = value.String()
		res.Reason = err.Error()
		return res, nil
	}

	record := &models.SettlementRecord{
		ID:                  uuid.New().String(),
		UserAddress:         entry.UserAddress,
		RoundUpAmount:       entry.RoundUpAmount,
		SettlementTxHash:    txHash,
		SettlementAmountRaw: value.String(),
		ContractAddress:     s.cfg.StakingContract,
	}
	recordCtx, cancel := context.WithTimeout(detached, s.cfg.BroadcastTimeout)
	defer cancel()
	_, err = retry.Do(recordCtx, s.cfg.RecordRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.ledger.CompleteSettlement(ctx, entry.ID, record)
	})

	logger = logger.WithField("settlementTxHash", txHash)
	res = s.result(entry, types.SettlementSettled)
	res.SettlementTxHash = txHash
	res.SettlementAmountInSmallestUnit = value.String()

	switch {
	case errors.Is(err, apperrors.ErrAlreadySettled):
		logger.Warn("ledger entry was settled concurrently; deposit recorded by another attempt")
		res.Status = types.SettlementAlreadySettled
		res.Reason = "settled concurrently"
		return res, nil
	case err != nil:
		// The claim stays in place until its lease expires so the entry is
		// not picked up again while an operator reconciles
		logger.WithError(err).Error("deposit broadcast but not recorded")
		return nil, apperrors.NewStoreError("record settlement", err)
	}

	logger.WithField("value", value.String()).Info("round-up settled")
	return res, nil
}

func (s *SettlementService) broadcast(ctx context.Context, entry *models.LedgerEntry, value *big.Int, walletID *string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.SettlementBroadcastDuration.Observe(time.Since(start).Seconds())
	}()

	return s.broadcaster.Broadcast(ctx, adapter.BroadcastRequest{
		Contract: s.cfg.StakingContract,
		Value:    value,
		Calldata: s.calldata,
		From:     entry.UserAddress,
		WalletID: walletID,
	})
}

func (s *SettlementService) releaseClaim(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.ledger.ReleaseClaim(ctx, id); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("ledgerEntryId", id).Warn("failed to release settlement claim; it expires with the lease")
	}
}

// BatchItem is one entry's outcome within a batch
type BatchItem struct {
	LedgerEntryID string            `json:"ledgerEntryId"`
	Result        *SettlementResult `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// BatchResult summarizes SettleAllPending
type BatchResult struct {
	UserAddress  string          `json:"userAddress"`
	Total        int             `json:"total"`
	Settled      int             `json:"settled"`
	Failed       int             `json:"failed"`
	TotalRoundUp decimal.Decimal `json:"totalRoundUpSettled"`
	Items        []BatchItem     `json:"items"`
}

// SettleAllPending settles a user's pending entries one by one. A failed
// entry is reported and the batch continues.
func (s *SettlementService) SettleAllPending(ctx context.Context, userAddress string) (*BatchResult, error) {
	if err := storage.ValidateAddress(userAddress); err != nil {
		return nil, apperrors.NewInvalidAddressError(userAddress)
	}
	user := strings.ToLower(userAddress)

	entries, err := s.ledger.FindUnsettledRoundUps(ctx, user)
	if err != nil {
		return nil, apperrors.NewStoreError("find unsettled round-ups", err)
	}

	batch := &BatchResult{
		UserAddress:  user,
		Total:        len(entries),
		TotalRoundUp: decimal.Zero,
		Items:        make([]BatchItem, 0, len(entries)),
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		res, err := s.settleEntry(ctx, entry)
		item := BatchItem{LedgerEntryID: entry.ID, Result: res}
		switch {
		case err != nil:
			item.Error = err.Error()
			batch.Failed++
		case res.Status == types.SettlementSettled:
			batch.Settled++
			batch.TotalRoundUp = batch.TotalRoundUp.Add(res.RoundUpAmount)
		case !res.Status.IsSuccess():
			batch.Failed++
		}
		batch.Items = append(batch.Items, item)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user":    user,
		"total":   batch.Total,
		"settled": batch.Settled,
		"failed":  batch.Failed,
	}).Info("pending round-ups processed")
	return batch, nil
}

// SettleAllUsers sweeps every user with pending round-ups and returns the
// number of users processed
func (s *SettlementService) SettleAllUsers(ctx context.Context) (int, error) {
	users, err := s.ledger.ListUsersWithPending(ctx)
	if err != nil {
		return 0, apperrors.NewStoreError("list users with pending round-ups", err)
	}

	processed := 0
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if _, err := s.SettleAllPending(ctx, user); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("user", user).Warn("failed to settle user")
			continue
		}
		processed++
	}
	return processed, nil
}

// ExternalSettlementResult describes a client-side stake applied to the ledger
type ExternalSettlementResult struct {
	UserAddress    string          `json:"userAddress"`
	StakingTxHash  string          `json:"stakingTxHash"`
	EntriesSettled int64           `json:"entriesSettled"`
	TotalRoundUp   decimal.Decimal `json:"totalRoundUp"`
	AmountRaw      string          `json:"amountStakedWei"`
}

// RecordExternalSettlement marks all of a user's pending entries settled by
// a deposit the user broadcast themselves. Entries with a live claim are
// left to the in-flight settlement.
func (s *SettlementService) RecordExternalSettlement(ctx context.Context, userAddress, stakingTxHash, amountRaw string) (*ExternalSettlementResult, error) {
	if err := storage.ValidateAddress(userAddress); err != nil {
		return nil, apperrors.NewInvalidAddressError(userAddress)
	}
	if !txHashRegex.MatchString(stakingTxHash) {
		return nil, apperrors.NewValidationError("stakingTxHash", "must be a 32-byte hex hash")
	}
	if amountRaw == "" {
		amountRaw = "0"
	}
	amount, ok := new(big.Int).SetString(amountRaw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, apperrors.NewValidationError("amountStakedWei", "must be a non-negative integer")
	}

	record := &models.SettlementRecord{
		ID:                  uuid.New().String(),
		SettlementTxHash:    strings.ToLower(stakingTxHash),
		SettlementAmountRaw: amount.String(),
		ContractAddress:     s.cfg.StakingContract,
	}
	count, total, err := s.ledger.MarkAllSettledForUser(ctx, strings.ToLower(userAddress), record)
	if err != nil {
		return nil, apperrors.NewStoreError("record external settlement", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user":          strings.ToLower(userAddress),
		"stakingTxHash": record.SettlementTxHash,
		"entries":       count,
		"roundUp":       total.String(),
	}).Info("external settlement recorded")

	return &ExternalSettlementResult{
		UserAddress:    strings.ToLower(userAddress),
		StakingTxHash:  record.SettlementTxHash,
		EntriesSettled: count,
		TotalRoundUp:   total,
		AmountRaw:      amount.String(),
	}, nil
}

// EntryStatus is the settlement state of one ledger entry
type EntryStatus struct {
	LedgerEntryID    string                   `json:"ledgerEntryId"`
	UserAddress      string                   `json:"userAddress"`
	TransactionType  types.TransactionType    `json:"transactionType"`
	RoundUpAmount    decimal.Decimal          `json:"roundUpAmount"`
	RoundUpProcessed bool                     `json:"roundUpProcessed"`
	RoundUpTxHash    *string                  `json:"roundUpTxHash,omitempty"`
	Settling         bool                     `json:"settling"`
	Settlement       *models.SettlementRecord `json:"settlement,omitempty"`
}

// Status reports where an entry is in the settlement lifecycle
func (s *SettlementService) Status(ctx context.Context, entryID string) (*EntryStatus, error) {
	if err := validateEntryID("ledgerEntryId", entryID); err != nil {
		return nil, err
	}
	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	record, err := s.settlements.GetByLedgerEntry(ctx, entry.ID)
	if err != nil {
		return nil, apperrors.NewStoreError("get settlement record", err)
	}

	return &EntryStatus{
		LedgerEntryID:    entry.ID,
		UserAddress:      entry.UserAddress,
		TransactionType:  entry.TransactionType,
		RoundUpAmount:    entry.RoundUpAmount,
		RoundUpProcessed: entry.RoundUpProcessed,
		RoundUpTxHash:    entry.RoundUpTxHash,
		Settling:         !entry.RoundUpProcessed && entry.SettlingUntil != nil && entry.SettlingUntil.After(time.Now()),
		Settlement:       record,
	}, nil
}
