package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier реализуют и пул соединений, и открытая транзакция.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pgQueries
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pgQueries: pgQueries{db: pool},
		pool:      pool,
		delays:    []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(r.delays) {
			return err
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// InTx выполняет fn в транзакции READ COMMITTED, повторяя её при временных сбоях.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, pgQueries{db: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type pgQueries struct {
	db querier
}

func (q pgQueries) getUser(ctx context.Context, query string, userID int64) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := q.db.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Name, &role, &u.Points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (q pgQueries) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return q.getUser(ctx, `SELECT id, name, role, points FROM users WHERE id = $1`, userID)
}

// GetUserForUpdate возвращает пользователя, блокируя его строку.
func (q pgQueries) GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error) {
	return q.getUser(ctx, `SELECT id, name, role, points FROM users WHERE id = $1 FOR UPDATE`, userID)
}

// AddUserPoints изменяет баланс пользователя на delta, не допуская отрицательного значения.
func (q pgQueries) AddUserPoints(ctx context.Context, userID int64, delta int64) (int64, error) {
	var points int64
	err := q.db.QueryRow(ctx,
		`UPDATE users SET points = points + $2 WHERE id = $1 AND points + $2 >= 0 RETURNING points`,
		userID, delta,
	).Scan(&points)
	if err == nil {
		return points, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update points: %w", err)
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return 0, ErrUserNotFound
	}
	return 0, ErrInsufficientBalance
}

const transactionColumns = `id, user_id, amount, type, reference, redemption_id, created_at`

func scanTransaction(row pgx.Row) (*model.PointTransaction, error) {
	var (
		t     model.PointTransaction
		txTyp string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &txTyp, &t.Reference, &t.RedemptionID, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txTyp)
	return &t, nil
}

// GetTransactionByReference возвращает запись журнала по ссылке идемпотентности.
func (q pgQueries) GetTransactionByReference(ctx context.Context, reference string) (*model.PointTransaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM point_transactions WHERE reference = $1`,
		reference,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// InsertTransaction добавляет запись в журнал и заполняет ID и CreatedAt.
func (q pgQueries) InsertTransaction(ctx context.Context, t *model.PointTransaction) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO point_transactions (user_id, amount, type, reference, redemption_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		t.UserID, t.Amount, string(t.Type), t.Reference, t.RedemptionID, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactionsByUser возвращает журнал пользователя в порядке добавления.
func (q pgQueries) ListTransactionsByUser(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM point_transactions WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PointTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumTransactions возвращает сумму всех записей журнала пользователя.
func (q pgQueries) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM point_transactions WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (q pgQueries) getReward(ctx context.Context, query string, rewardID int64) (*model.Reward, error) {
	var r model.Reward
	err := q.db.QueryRow(ctx, query, rewardID).
		Scan(&r.ID, &r.Name, &r.Cost, &r.Stock, &r.Active, &r.ValidFrom, &r.ValidUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return &r, nil
}

// GetReward возвращает награду из каталога.
func (q pgQueries) GetReward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	return q.getReward(ctx,
		`SELECT id, name, cost, stock, active, valid_from, valid_until FROM rewards WHERE id = $1`,
		rewardID)
}

// GetRewardForUpdate возвращает награду, блокируя её строку.
func (q pgQueries) GetRewardForUpdate(ctx context.Context, rewardID int64) (*model.Reward, error) {
	return q.getReward(ctx,
		`SELECT id, name, cost, stock, active, valid_from, valid_until FROM rewards WHERE id = $1 FOR UPDATE`,
		rewardID)
}

// AdjustStock изменяет конечный остаток награды на delta.
func (q pgQueries) AdjustStock(ctx context.Context, rewardID int64, delta int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE rewards SET stock = stock + $2 WHERE id = $1 AND stock IS NOT NULL AND stock + $2 >= 0`,
		rewardID, delta,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stock *int64
	err = q.db.QueryRow(ctx, `SELECT stock FROM rewards WHERE id = $1`, rewardID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRewardNotFound
		}
		return fmt.Errorf("select stock: %w", err)
	}
	if stock == nil {
		return nil
	}
	return ErrOutOfStock
}

const redemptionColumns = `id, user_id, reward_id, points_spent, code, status, idempotency_key,
	created_at, expires_at, verified_at, verified_by, cancelled_at`

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var (
		r      model.Redemption
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RewardID, &r.PointsSpent, &r.Code, &status, &r.IdempotencyKey,
		&r.CreatedAt, &r.ExpiresAt, &r.VerifiedAt, &r.VerifiedBy, &r.CancelledAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RedemptionStatus(status)
	return &r, nil
}

// InsertRedemption сохраняет новую заявку.
func (q pgQueries) InsertRedemption(ctx context.Context, r *model.Redemption) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO redemptions (id, user_id, reward_id, points_spent, code, status, idempotency_key, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.UserID, r.RewardID, r.PointsSpent, r.Code, string(r.Status), r.IdempotencyKey, r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "redemptions_code_key" {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, r.Code)
		}
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

func (q pgQueries) getRedemption(ctx context.Context, query string, arg string) (*model.Redemption, error) {
	r, err := scanRedemption(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return r, nil
}

// GetRedemption возвращает заявку по идентификатору.
func (q pgQueries) GetRedemption(ctx context.Context, id string) (*model.Redemption, error) {
	return q.getRedemption(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, id)
}

// GetRedemptionForUpdate возвращает заявку, блокируя её строку.
func (q pgQueries) GetRedemptionForUpdate(ctx context.Context, id string) (*model.Redemption, error) {
	return q.getRedemption(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1 FOR UPDATE`, id)
}

// GetRedemptionByCode возвращает заявку по коду для ручного ввода.
func (q pgQueries) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	return q.getRedemption(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE code = $1`, code)
}

// ListRedemptionsByUser возвращает заявки пользователя, новые первыми.
func (q pgQueries) ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

func collectRedemptions(rows pgx.Rows) ([]model.Redemption, error) {
	var res []model.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// VerifyRedemption выполняет условный переход pending → verified одним UPDATE.
func (q pgQueries) VerifyRedemption(ctx context.Context, id string, at time.Time, verifiedBy int64) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE redemptions SET status = 'verified', verified_at = $2, verified_by = $3
		 WHERE id = $1 AND status = 'pending' AND (expires_at IS NULL OR expires_at > $2)`,
		id, at, verifiedBy,
	)
	if err != nil {
		return false, fmt.Errorf("verify redemption: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRedemption выполняет условный переход pending → cancelled.
func (q pgQueries) CancelRedemption(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE redemptions SET status = 'cancelled', cancelled_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("cancel redemption: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireRedemption выполняет условный переход pending → expired для просроченной заявки.
func (q pgQueries) ExpireRedemption(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE redemptions SET status = 'expired'
		 WHERE id = $1 AND status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $2`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("expire redemption: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdue переводит пачку просроченных заявок в expired.
func (q pgQueries) ExpireOverdue(ctx context.Context, at time.Time, limit int) ([]model.Redemption, error) {
	rows, err := q.db.Query(ctx,
		`UPDATE redemptions SET status = 'expired'
		 WHERE id IN (
		     SELECT id FROM redemptions
		     WHERE status = 'pending' AND expires_at <= $1
		     ORDER BY expires_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+redemptionColumns,
		at, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("expire overdue: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

// GetStreak возвращает текущую серию пользователя.
func (q pgQueries) GetStreak(ctx context.Context, userID int64) (*model.Streak, error) {
	var s model.Streak
	err := q.db.QueryRow(ctx,
		`SELECT user_id, current, last_day FROM streaks WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.Current, &s.LastDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStreakNotFound
		}
		return nil, fmt.Errorf("get streak: %w", err)
	}
	return &s, nil
}

// SaveStreak сохраняет серию пользователя.
func (q pgQueries) SaveStreak(ctx context.Context, s *model.Streak) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO streaks (user_id, current, last_day) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET current = EXCLUDED.current, last_day = EXCLUDED.last_day`,
		s.UserID, s.Current, s.LastDay,
	)
	if err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	return nil
}

// InsertAuditEvent сохраняет событие аудита.
func (q pgQueries) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO audit_events (type, redemption_id, user_id, actor_id, security, message, attrs, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Type, e.RedemptionID, e.UserID, e.ActorID, e.Security, e.Message, e.Attrs, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
