package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/events"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/service"
	"github.com/coffee-change/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "stream-secret"
	testWallet = "0xabc0000000000000000000000000000000000abc"
)

// Mock services for testing
type mockRegistry struct {
	registerFunc func(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error)
	lookupFunc   func(ctx context.Context, address string) (*models.MonitoredAddress, error)
}

func (m *mockRegistry) Register(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error) {
	return m.registerFunc(ctx, address, label, walletID)
}

func (m *mockRegistry) Lookup(ctx context.Context, address string) (*models.MonitoredAddress, error) {
	return m.lookupFunc(ctx, address)
}

func (m *mockRegistry) Deactivate(ctx context.Context, address string) error {
	return nil
}

func (m *mockRegistry) List(ctx context.Context) ([]*models.MonitoredAddress, error) {
	return []*models.MonitoredAddress{{Address: testWallet, Active: true}}, nil
}

type mockIngestion struct {
	calls   int
	payload *events.Payload
	result  *service.IngestResult
	err     error
}

func (m *mockIngestion) AcceptsTag(tag string) bool {
	return tag == "user-wallets" || tag == "usdc-transactions"
}

func (m *mockIngestion) ProcessPayload(ctx context.Context, p *events.Payload) (*service.IngestResult, error) {
	m.calls++
	m.payload = p
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("webhook context must carry a deadline")
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &service.IngestResult{Received: len(p.Logs)}, nil
}

type mockSettlement struct {
	result *service.SettlementResult
	err    error
}

func (m *mockSettlement) SettleForUser(ctx context.Context, req service.SettleRequest) (*service.SettlementResult, error) {
	return m.result, m.err
}

func (m *mockSettlement) SettleAllPending(ctx context.Context, userAddress string) (*service.BatchResult, error) {
	return &service.BatchResult{UserAddress: userAddress}, m.err
}

func (m *mockSettlement) RecordExternalSettlement(ctx context.Context, userAddress, stakingTxHash, amountRaw string) (*service.ExternalSettlementResult, error) {
	return &service.ExternalSettlementResult{UserAddress: userAddress, StakingTxHash: stakingTxHash, EntriesSettled: 2}, m.err
}

func (m *mockSettlement) Status(ctx context.Context, entryID string) (*service.EntryStatus, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &service.EntryStatus{LedgerEntryID: entryID}, nil
}

type mockSummary struct{}

func (mockSummary) Summary(ctx context.Context, userAddress string) (*service.UserSummary, error) {
	return &service.UserSummary{LedgerSummary: &models.LedgerSummary{UserAddress: userAddress, TotalStakedRaw: "0"}}, nil
}

type testServer struct {
	*Server
	ingestion  *mockIngestion
	settlement *mockSettlement
	registry   *mockRegistry
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	cfg := &ServerConfig{
		WebhookSecret:  testSecret,
		WebhookTimeout: time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	ts := &testServer{
		ingestion:  &mockIngestion{},
		settlement: &mockSettlement{},
		registry: &mockRegistry{
			registerFunc: func(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error) {
				return &service.RegistrationResult{Status: types.RegistrationNew, Address: &models.MonitoredAddress{Address: address, Active: true}}, nil
			},
			lookupFunc: func(ctx context.Context, address string) (*models.MonitoredAddress, error) {
				return nil, apperrors.NewNotFoundError("address", address)
			},
		},
	}
	ts.Server = NewServer(cfg, ts.registry, ts.ingestion, ts.settlement, mockSummary{}, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ServiceError {
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	ts.checks["redis"] = func(ctx context.Context) error { return errors.New("connection refused") }
	rec = ts.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodGet, "/health", nil, nil)

	rec := ts.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "roundup_http_request_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	registered := false
	ts.registry.registerFunc = func(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error) {
		registered = true
		return nil, errors.New("unexpected")
	}

	for _, path := range []string{"/api/wallets", "/api/settlements", "/api/webhook/moralis", "/health"} {
		t.Run(path, func(t *testing.T) {
			rec := ts.do(http.MethodOptions, path, nil, map[string]string{
				"Origin":                        "https://app.example.com",
				"Access-Control-Request-Method": http.MethodPost,
			})
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
		})
	}
	assert.False(t, registered)

	rec := ts.do(http.MethodPut, "/api/wallets", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWalletRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/wallets", []byte(`{"address":"`+testWallet+`","label":"main"}`), nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	ts.registry.registerFunc = func(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error) {
		return &service.RegistrationResult{Status: types.RegistrationAlreadyRegistered, Address: &models.MonitoredAddress{Address: address}}, nil
	}
	rec = ts.do(http.MethodPost, "/api/wallets", []byte(`{"address":"`+testWallet+`"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.registry.registerFunc = func(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	rec = ts.do(http.MethodPost, "/api/wallets", []byte(`{"address":"0x12"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ADDRESS", decodeError(t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/wallets", []byte(`{"address":"x","unexpected":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/wallets/"+testWallet, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/wallets", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), testWallet)

	rec = ts.do(http.MethodDelete, "/api/wallets/"+testWallet, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettleStatusCodes(t *testing.T) {
	tests := []struct {
		status types.SettlementStatus
		want   int
	}{
		{types.SettlementSettled, http.StatusOK},
		{types.SettlementAlreadySettled, http.StatusOK},
		{types.SettlementAmountTooSmall, http.StatusUnprocessableEntity},
		{types.SettlementBroadcastFailed, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.settlement.result = &service.SettlementResult{Status: tt.status}

			rec := ts.do(http.MethodPost, "/api/settlements",
				[]byte(`{"ledgerEntryId":"7d0c5f4e-8b8a-4f8e-9a55-2b4f1e1f0c11","userAddress":"`+testWallet+`"}`), nil)
			assert.Equal(t, tt.want, rec.Code)

			var body service.SettlementResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
		})
	}
}

func TestSettlementRouteErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.settlement.err = apperrors.NewValidationError("userAddress", "does not own the ledger entry")

	rec := ts.do(http.MethodPost, "/api/settlements", []byte(`{"ledgerEntryId":"x","userAddress":"y"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.settlement.err = apperrors.NewStoreError("find unsettled round-ups", errors.New("pq: password authentication failed"))
	rec = ts.do(http.MethodPost, "/api/settlements/pending", []byte(`{"userAddress":"`+testWallet+`"}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password", "causes of server errors stay in the logs")

	ts.settlement.err = apperrors.NewNotFoundError("ledger entry", "7d0c5f4e-8b8a-4f8e-9a55-2b4f1e1f0c11")
	rec = ts.do(http.MethodGet, "/api/settlements/7d0c5f4e-8b8a-4f8e-9a55-2b4f1e1f0c11", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.settlement.err = nil
	rec = ts.do(http.MethodPost, "/api/settlements/external",
		[]byte(`{"userAddress":"`+testWallet+`","stakingTxHash":"0x01","amountStakedWei":"5"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserSummaryRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/users/"+testWallet+"/summary", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalStakedWei":"0"`)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})

	rec := ts.do(http.MethodGet, "/api/wallets", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/api/wallets", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = ts.do(http.MethodGet, "/api/wallets", nil, map[string]string{"X-Forwarded-For": "203.0.113.9"})
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")
}
