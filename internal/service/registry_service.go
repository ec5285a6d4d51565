package service

import (
	"context"
	"strings"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/types"
)

// RegistryService manages the monitored wallet registry and serves the
// active set to the webhook path
type RegistryService struct {
	repo  AddressStore
	cache ActiveSetCache // Optional; nil reads straight from Postgres
}

// NewRegistryService creates a new registry service
func NewRegistryService(repo AddressStore, cache ActiveSetCache) *RegistryService {
	return &RegistryService{repo: repo, cache: cache}
}

// RegistrationResult is returned by Register
type RegistrationResult struct {
	Status  types.RegistrationStatus `json:"status"`
	Address *models.MonitoredAddress `json:"address"`
}

// ActiveSet returns the lowercase active addresses. Cache errors fall back
// to Postgres.
func (s *RegistryService) ActiveSet(ctx context.Context) (map[string]struct{}, error) {
	logger := logging.FromContext(ctx)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx)
		switch {
		case err != nil:
			metrics.RegistryCacheTotal.WithLabelValues("error").Inc()
			logger.WithError(err).Warn("active address cache read failed, using database")
		case ok:
			metrics.RegistryCacheTotal.WithLabelValues("hit").Inc()
			return toSet(cached), nil
		default:
			metrics.RegistryCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	addresses, err := s.repo.ListActiveAddresses(ctx)
	if err != nil {
		return nil, apperrors.NewStoreError("list active addresses", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, addresses); err != nil {
			logger.WithError(err).Warn("failed to refresh active address cache")
		}
	}
	return toSet(addresses), nil
}

func toSet(addresses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[strings.ToLower(a)] = struct{}{}
	}
	return set
}

// Register adds or reactivates an address. Re-registering an active
// address changes nothing but fills in a label or wallet id if given.
func (s *RegistryService) Register(ctx context.Context, address string, label, walletID *string) (*RegistrationResult, error) {
	if err := storage.ValidateAddress(address); err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}

	record, status, err := s.repo.Upsert(ctx, strings.ToLower(address), label, walletID)
	if err != nil {
		return nil, apperrors.NewStoreError("register address", err)
	}

	if status != types.RegistrationAlreadyRegistered {
		s.invalidate(ctx)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"address": record.Address,
		"status":  string(status),
	}).Info("monitored address registered")

	return &RegistrationResult{Status: status, Address: record}, nil
}

// Lookup returns the registry record for address
func (s *RegistryService) Lookup(ctx context.Context, address string) (*models.MonitoredAddress, error) {
	if err := storage.ValidateAddress(address); err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}

	record, err := s.repo.Get(ctx, strings.ToLower(address))
	if err != nil {
		return nil, apperrors.NewStoreError("lookup address", err)
	}
	if record == nil {
		return nil, apperrors.NewNotFoundError("address", strings.ToLower(address))
	}
	return record, nil
}

// Deactivate stops classifying transfers for address. The row and its
// ledger history are kept.
func (s *RegistryService) Deactivate(ctx context.Context, address string) error {
	if err := storage.ValidateAddress(address); err != nil {
		return apperrors.NewInvalidAddressError(address)
	}

	found, err := s.repo.Deactivate(ctx, strings.ToLower(address))
	if err != nil {
		return apperrors.NewStoreError("deactivate address", err)
	}
	if !found {
		return apperrors.NewNotFoundError("address", strings.ToLower(address))
	}

	s.invalidate(ctx)
	logging.FromContext(ctx).WithField("address", strings.ToLower(address)).Info("monitored address deactivated")
	return nil
}

// List returns every registry entry
func (s *RegistryService) List(ctx context.Context) ([]*models.MonitoredAddress, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, apperrors.NewStoreError("list addresses", err)
	}
	if records == nil {
		records = []*models.MonitoredAddress{}
	}
	return records, nil
}

// ResolveWallet returns the provider wallet id registered for address, or
// nil when none is known
func (s *RegistryService) ResolveWallet(ctx context.Context, address string) (*string, error) {
	record, err := s.repo.Get(ctx, strings.ToLower(address))
	if err != nil {
		return nil, apperrors.NewStoreError("resolve wallet", err)
	}
	if record == nil {
		return nil, nil
	}
	return record.WalletID, nil
}

func (s *RegistryService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("failed to invalidate active address cache")
	}
}
