package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newRedemption(id, code string, userID, rewardID int64, expires time.Time) *model.Redemption {
	return &model.Redemption{
		ID:          id,
		UserID:      userID,
		RewardID:    rewardID,
		PointsSpent: 10,
		Code:        code,
		Status:      model.RedemptionPending,
		CreatedAt:   testNow,
		ExpiresAt:   &expires,
	}
}

func seeded(t *testing.T) (*MemoryRepository, int64) {
	t.Helper()
	repo := NewMemoryRepository()
	repo.PutUser(1, "Alice", model.RoleStudent)
	stock := int64(2)
	rewardID := repo.PutReward(model.Reward{Name: "Coffee", Cost: 10, Stock: &stock, Active: true})
	return repo, rewardID
}

func TestMemoryRepository_InTxRollsBack(t *testing.T) {
	repo, rewardID := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		if _, err := q.AddUserPoints(ctx, 1, 50); err != nil {
			return err
		}
		if err := q.AdjustStock(ctx, rewardID, -1); err != nil {
			return err
		}
		if err := q.InsertRedemption(ctx, newRedemption("r1", "799273987138", 1, rewardID, testNow.Add(time.Hour))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, u.Points)

	r, err := repo.GetReward(ctx, rewardID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *r.Stock)

	_, err = repo.GetRedemption(ctx, "r1")
	assert.ErrorIs(t, err, ErrRedemptionNotFound)
}

func TestMemoryRepository_BalanceAndStockFloors(t *testing.T) {
	repo, rewardID := seeded(t)
	ctx := context.Background()

	_, err := repo.AddUserPoints(ctx, 1, -1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = repo.AddUserPoints(ctx, 99, 1)
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, repo.AdjustStock(ctx, rewardID, -2))
	assert.ErrorIs(t, repo.AdjustStock(ctx, rewardID, -1), ErrOutOfStock)

	unlimited := repo.PutReward(model.Reward{Name: "Sticker", Cost: 1, Active: true})
	assert.NoError(t, repo.AdjustStock(ctx, unlimited, -100))
}

func TestMemoryRepository_Uniqueness(t *testing.T) {
	repo, rewardID := seeded(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertRedemption(ctx, newRedemption("r1", "799273987138", 1, rewardID, testNow.Add(time.Hour))))
	err := repo.InsertRedemption(ctx, newRedemption("r2", "799273987138", 1, rewardID, testNow.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrDuplicateCode)

	tx := &model.PointTransaction{UserID: 1, Amount: 5, Type: model.TxStreakCredit, Reference: "streak:1:2026-10-01", CreatedAt: testNow}
	require.NoError(t, repo.InsertTransaction(ctx, tx))
	assert.Equal(t, int64(1), tx.ID)

	dup := *tx
	assert.ErrorIs(t, repo.InsertTransaction(ctx, &dup), ErrDuplicateReference)

	got, err := repo.GetTransactionByReference(ctx, "streak:1:2026-10-01")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Amount)
}

func TestMemoryRepository_ConditionalTransitions(t *testing.T) {
	repo, rewardID := seeded(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertRedemption(ctx, newRedemption("r1", "799273987138", 1, rewardID, testNow.Add(time.Hour))))

	ok, err := repo.VerifyRedemption(ctx, "r1", testNow, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.VerifyRedemption(ctx, "r1", testNow, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CancelRedemption(ctx, "r1", testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := repo.GetRedemption(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionVerified, r.Status)
	assert.Equal(t, int64(2), *r.VerifiedBy)

	require.NoError(t, repo.InsertRedemption(ctx, newRedemption("r2", "499273987168", 1, rewardID, testNow.Add(time.Minute))))
	ok, err = repo.VerifyRedemption(ctx, "r2", testNow.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.False(t, ok, "overdue redemption must not be verified")

	ok, err = repo.ExpireRedemption(ctx, "r2", testNow)
	require.NoError(t, err)
	assert.False(t, ok, "redemption is not overdue yet")

	ok, err = repo.ExpireRedemption(ctx, "r2", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRepository_ExpireOverdue(t *testing.T) {
	repo, rewardID := seeded(t)
	ctx := context.Background()

	codes := []string{"799273987138", "499273987168", "000000000000"}
	for i, code := range codes {
		id := string(rune('a' + i))
		require.NoError(t, repo.InsertRedemption(ctx, newRedemption(id, code, 1, rewardID, testNow.Add(time.Duration(i)*time.Minute))))
	}

	expired, err := repo.ExpireOverdue(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "a", expired[0].ID)
	assert.Equal(t, "b", expired[1].ID)

	expired, err = repo.ExpireOverdue(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, model.RedemptionExpired, expired[0].Status)

	list, err := repo.ListRedemptionsByUser(ctx, 1)
	require.NoError(t, err)
	for _, r := range list {
		assert.Equal(t, model.RedemptionExpired, r.Status)
	}
}
