package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

// Тесты требуют живой PostgreSQL: TEST_DATABASE_URI=postgres://... go test ./internal/repository
func newPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	_, err = repo.pool.Exec(ctx,
		`TRUNCATE audit_events, streaks, point_transactions, redemptions, rewards, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	_, err = repo.pool.Exec(ctx, `INSERT INTO users (id, name, role) VALUES (1, 'Alice', 'student')`)
	require.NoError(t, err)
	_, err = repo.pool.Exec(ctx, `INSERT INTO rewards (name, cost, stock) VALUES ('Coffee', 10, 1)`)
	require.NoError(t, err)

	return repo
}

func TestPostgresRepository_RedeemFlow(t *testing.T) {
	repo := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.AddUserPoints(ctx, 1, 30)
	require.NoError(t, err)

	id := uuid.NewString()
	err = repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		if _, err := q.GetUserForUpdate(ctx, 1); err != nil {
			return err
		}
		if _, err := q.GetRewardForUpdate(ctx, 1); err != nil {
			return err
		}
		if err := q.InsertRedemption(ctx, newRedemption(id, "799273987138", 1, 1, now.Add(time.Hour))); err != nil {
			return err
		}
		if _, err := q.AddUserPoints(ctx, 1, -10); err != nil {
			return err
		}
		return q.AdjustStock(ctx, 1, -1)
	})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.AdjustStock(ctx, 1, -1), ErrOutOfStock)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.Points)

	ok, err := repo.VerifyRedemption(ctx, id, now, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.VerifyRedemption(ctx, id, now, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetRedemptionByCode(ctx, "799273987138")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionVerified, got.Status)

	err = repo.InsertRedemption(ctx, newRedemption(uuid.NewString(), "799273987138", 1, 1, now.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrDuplicateCode)
}

func TestPostgresRepository_InTxRollsBack(t *testing.T) {
	repo := newPostgres(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		if _, err := q.AddUserPoints(ctx, 1, 100); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, u.Points)
}
