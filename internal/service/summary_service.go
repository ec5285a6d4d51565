package service

import (
	"context"
	"strings"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/storage"
)

const recentLimit = 10

// UserSummary is the dashboard view of one wallet
type UserSummary struct {
	*models.LedgerSummary
	RecentEntries     []*models.LedgerEntry      `json:"recentEntries"`
	RecentSettlements []*models.SettlementRecord `json:"recentSettlements"`
}

// SummaryService builds per-user dashboard aggregates
type SummaryService struct {
	ledger      LedgerStore
	settlements SettlementStore
}

// NewSummaryService creates a new summary service
func NewSummaryService(ledger LedgerStore, settlements SettlementStore) *SummaryService {
	return &SummaryService{ledger: ledger, settlements: settlements}
}

// Summary returns totals plus the latest entries and settlements
func (s *SummaryService) Summary(ctx context.Context, userAddress string) (*UserSummary, error) {
	if err := storage.ValidateAddress(userAddress); err != nil {
		return nil, apperrors.NewInvalidAddressError(userAddress)
	}
	user := strings.ToLower(userAddress)

	totals, err := s.ledger.Summary(ctx, user)
	if err != nil {
		return nil, apperrors.NewStoreError("summarize ledger", err)
	}
	entries, err := s.ledger.ListByUser(ctx, user, recentLimit)
	if err != nil {
		return nil, apperrors.NewStoreError("list ledger entries", err)
	}
	records, err := s.settlements.ListByUser(ctx, user, recentLimit)
	if err != nil {
		return nil, apperrors.NewStoreError("list settlements", err)
	}

	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	if records == nil {
		records = []*models.SettlementRecord{}
	}
	return &UserSummary{LedgerSummary: totals, RecentEntries: entries, RecentSettlements: records}, nil
}
