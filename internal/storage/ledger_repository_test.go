package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpend(t *testing.T, user string) *models.LedgerEntry {
	return &models.LedgerEntry{
		TxHash:          "0x" + randomHex(t, 32),
		BlockNumber:     100,
		ChainID:         "0xaa36a7",
		ContractAddress: "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
		FromAddress:     user,
		ToAddress:       randomAddress(t),
		UserAddress:     user,
		Amount:          decimal.RequireFromString("2.3"),
		AmountRaw:       "2300000",
		TransactionType: types.TransactionSpend,
		RoundUpAmount:   decimal.RequireFromString("0.7"),
	}
}

func TestLedgerUpsertIsIdempotent(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewLedgerRepository(db)
	ctx := testContext(t)

	entry := newSpend(t, randomAddress(t))
	first, inserted, err := repo.UpsertTransaction(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, first.Confirmed)

	redelivery := *entry
	redelivery.ID = ""
	redelivery.Confirmed = true
	redelivery.BlockNumber = 101
	redelivery.RoundUpAmount = decimal.RequireFromString("0.1")

	second, inserted, err := repo.UpsertTransaction(ctx, &redelivery)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Confirmed)
	assert.Equal(t, uint64(101), second.BlockNumber)
	assert.True(t, second.RoundUpAmount.Equal(decimal.RequireFromString("0.7")))
}

func TestLedgerConfirmationIsSticky(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewLedgerRepository(db)
	ctx := testContext(t)

	confirmed := newSpend(t, randomAddress(t))
	confirmed.Confirmed = true
	confirmed.BlockNumber = 200
	first, inserted, err := repo.UpsertTransaction(ctx, confirmed)
	require.NoError(t, err)
	require.True(t, inserted)

	late := *confirmed
	late.ID = ""
	late.Confirmed = false
	late.BlockNumber = 199

	second, inserted, err := repo.UpsertTransaction(ctx, &late)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Confirmed)
	assert.Equal(t, uint64(200), second.BlockNumber)
}

func TestLedgerSettlementLifecycle(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewLedgerRepository(db)
	settlements := NewSettlementRepository(db)
	ctx := testContext(t)

	user := randomAddress(t)
	entry, _, err := repo.UpsertTransaction(ctx, newSpend(t, user))
	require.NoError(t, err)

	pending, err := repo.FindUnsettledRoundUps(ctx, user)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := repo.ClaimForSettlement(ctx, entry.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimForSettlement(ctx, entry.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose while the lease is live")

	settleHash := "0x" + randomHex(t, 32)
	require.NoError(t, repo.CompleteSettlement(ctx, entry.ID, &models.SettlementRecord{
		UserAddress:         user,
		RoundUpAmount:       entry.RoundUpAmount,
		SettlementTxHash:    settleHash,
		SettlementAmountRaw: "233333333333333",
		ContractAddress:     randomAddress(t),
	}))

	err = repo.MarkSettled(ctx, entry.ID, settleHash)
	assert.ErrorIs(t, err, apperrors.ErrAlreadySettled)

	err = repo.CompleteSettlement(ctx, entry.ID, &models.SettlementRecord{
		UserAddress: user, SettlementTxHash: settleHash, SettlementAmountRaw: "1",
	})
	assert.ErrorIs(t, err, apperrors.ErrAlreadySettled)

	stored, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.RoundUpProcessed)
	require.NotNil(t, stored.RoundUpTxHash)
	assert.Equal(t, settleHash, *stored.RoundUpTxHash)
	assert.Nil(t, stored.SettlingUntil)

	rec, err := settlements.GetByLedgerEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "233333333333333", rec.SettlementAmountRaw)

	summary, err := repo.Summary(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ProcessedRoundUps)
	assert.Equal(t, int64(0), summary.PendingRoundUps)
	assert.Equal(t, "233333333333333", summary.TotalStakedRaw)
}

func TestLedgerConcurrentMarkSettledOnlyOnce(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewLedgerRepository(db)
	ctx := testContext(t)

	entry, _, err := repo.UpsertTransaction(ctx, newSpend(t, randomAddress(t)))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.MarkSettled(ctx, entry.ID, "0x"+randomHex(t, 32)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestLedgerMarkAllSettledForUser(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewLedgerRepository(db)
	ctx := testContext(t)

	user := randomAddress(t)
	for i := 0; i < 3; i++ {
		_, _, err := repo.UpsertTransaction(ctx, newSpend(t, user))
		require.NoError(t, err)
	}

	count, total, err := repo.MarkAllSettledForUser(ctx, user, &models.SettlementRecord{
		SettlementTxHash:    "0x" + randomHex(t, 32),
		SettlementAmountRaw: "700000000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.True(t, total.Equal(decimal.RequireFromString("2.1")))

	count, _, err = repo.MarkAllSettledForUser(ctx, user, &models.SettlementRecord{
		SettlementTxHash: "0x" + randomHex(t, 32),
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}
