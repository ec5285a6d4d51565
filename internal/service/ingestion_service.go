package service

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/events"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/roundup"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/types"
	"github.com/shopspring/decimal"
)

// ActiveSetProvider returns the lowercase active wallet set
type ActiveSetProvider interface {
	ActiveSet(ctx context.Context) (map[string]struct{}, error)
}

// IngestionConfig selects which deliveries and logs are ledgered
type IngestionConfig struct {
	AcceptedTags  []string
	ChainID       string // Hex, compared case-insensitively
	TokenContract string
	TokenDecimals int32
}

// IngestionService turns webhook deliveries into ledger entries
type IngestionService struct {
	cfg      IngestionConfig
	registry ActiveSetProvider
	ledger   LedgerStore
	archive  TransferArchive // Optional
	queue    SettlementQueue // Optional; nil disables auto-settlement
}

// NewIngestionService creates a new ingestion service. archive and queue
// may be nil.
func NewIngestionService(cfg IngestionConfig, registry ActiveSetProvider, ledger LedgerStore, archive TransferArchive, queue SettlementQueue) *IngestionService {
	cfg.ChainID = strings.ToLower(cfg.ChainID)
	cfg.TokenContract = strings.ToLower(cfg.TokenContract)
	return &IngestionService{
		cfg:      cfg,
		registry: registry,
		ledger:   ledger,
		archive:  archive,
		queue:    queue,
	}
}

// IngestResult summarizes one delivery
type IngestResult struct {
	Ignored  bool   `json:"ignored,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Received int    `json:"received"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Enqueued int    `json:"enqueued"`
}

// Log dispositions, also used as metric labels
const (
	dispositionInserted        = "inserted"
	dispositionUpdated         = "updated"
	dispositionDecodeError     = "decode_error"
	dispositionForeignContract = "foreign_contract"
	dispositionUnmonitored     = "unmonitored"
)

// ReasonUnrecognizedTag marks deliveries for streams this service does not consume
const ReasonUnrecognizedTag = "unrecognized tag"

// AcceptsTag reports whether deliveries tagged tag are ledgered
func (s *IngestionService) AcceptsTag(tag string) bool {
	for _, t := range s.cfg.AcceptedTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProcessPayload ledgers every transfer in p that touches an active wallet.
// Undecodable logs and transfers of other contracts are skipped. A store
// failure aborts the delivery so the notifier retries it; upserts make the
// retry safe.
func (s *IngestionService) ProcessPayload(ctx context.Context, p *events.Payload) (*IngestResult, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tag":       p.Tag,
		"chainId":   p.ChainID,
		"confirmed": p.IsConfirmed(),
		"logs":      len(p.Logs),
	})
	result := &IngestResult{Received: len(p.Logs)}

	if !s.AcceptsTag(p.Tag) {
		result.Ignored, result.Reason = true, ReasonUnrecognizedTag
		return result, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if strings.ToLower(p.ChainID) != s.cfg.ChainID {
		logger.Warn("ignoring delivery for unsupported chain")
		result.Ignored, result.Reason = true, "unsupported chain"
		return result, nil
	}
	if len(p.Logs) == 0 {
		return result, nil
	}

	active, err := s.registry.ActiveSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		result.Ignored, result.Reason = true, "no monitored addresses"
		return result, nil
	}

	confirmed := p.IsConfirmed()
	var archived []storage.ArchivedTransfer

	for i, raw := range p.Logs {
		ev, err := events.Decode(raw, strings.ToLower(p.ChainID), confirmed)
		if err != nil {
			logger.WithError(err).WithField("logPosition", i).Warn("skipping undecodable log")
			s.skip(result, dispositionDecodeError)
			continue
		}
		if ev.ContractAddress != s.cfg.TokenContract {
			s.skip(result, dispositionForeignContract)
			continue
		}

		txType := Classify(ev.From, ev.To, active)
		if !txType.IsPersisted() {
			s.skip(result, dispositionUnmonitored)
			continue
		}

		stored, inserted, err := s.ledger.UpsertTransaction(ctx, s.toLedgerEntry(ev, txType))
		if err != nil {
			return nil, apperrors.NewStoreError("upsert ledger entry", err)
		}
		if inserted {
			result.Inserted++
			metrics.RecordLog(dispositionInserted)
		} else {
			result.Updated++
			metrics.RecordLog(dispositionUpdated)
		}

		logger.WithFields(map[string]interface{}{
			"txHash":   stored.TxHash,
			"type":     string(stored.TransactionType),
			"user":     stored.UserAddress,
			"amount":   stored.Amount.String(),
			"roundUp":  stored.RoundUpAmount.String(),
			"inserted": inserted,
		}).Info("ledger entry stored")

		if s.queue != nil && stored.Confirmed && stored.HasPendingRoundUp() {
			if s.queue.Enqueue(stored.ID) {
				result.Enqueued++
			}
		}

		archived = append(archived, storage.ArchivedTransfer{
			TxHash:           ev.TxHash,
			LogIndex:         ev.LogIndex,
			TransactionIndex: ev.TransactionIndex,
			BlockNumber:      ev.BlockNumber,
			ChainID:          ev.ChainID,
			ContractAddress:  ev.ContractAddress,
			FromAddress:      ev.From,
			ToAddress:        ev.To,
			AmountRaw:        ev.RawValue.String(),
			TransactionType:  string(txType),
			Confirmed:        ev.Confirmed,
			ReceivedAt:       time.Now().UTC(),
		})
	}

	s.archiveTransfers(ctx, archived)
	return result, nil
}

func (s *IngestionService) skip(result *IngestResult, disposition string) {
	result.Skipped++
	metrics.RecordLog(disposition)
}

// toLedgerEntry fixes the round-up at first insertion. Later deliveries of
// the same hash only update confirmation and block number.
func (s *IngestionService) toLedgerEntry(ev *events.TransferEvent, txType types.TransactionType) *models.LedgerEntry {
	amount := roundup.FromRaw(ev.RawValue, s.cfg.TokenDecimals)
	roundUp := decimal.Zero
	if txType == types.TransactionSpend {
		roundUp = roundup.Calculate(amount)
	}

	return &models.LedgerEntry{
		TxHash:           ev.TxHash,
		BlockNumber:      ev.BlockNumber,
		ChainID:          ev.ChainID,
		ContractAddress:  ev.ContractAddress,
		FromAddress:      ev.From,
		ToAddress:        ev.To,
		UserAddress:      UserAddress(txType, ev.From, ev.To),
		Amount:           amount,
		AmountRaw:        ev.RawValue.String(),
		TransactionType:  txType,
		Confirmed:        ev.Confirmed,
		LogIndex:         ev.LogIndex,
		TransactionIndex: ev.TransactionIndex,
		RoundUpAmount:    roundUp,
	}
}

func (s *IngestionService) archiveTransfers(ctx context.Context, transfers []storage.ArchivedTransfer) {
	if s.archive == nil || len(transfers) == 0 {
		return
	}
	if err := s.archive.InsertTransfers(ctx, transfers); err != nil {
		metrics.ArchiveErrorsTotal.Inc()
		logging.FromContext(ctx).WithError(err).WithField("transfers", len(transfers)).Warn("failed to archive transfers")
	}
}
