// Package repository содержит доступ к данным: реализацию на PostgreSQL и in-memory реализацию.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrRewardNotFound возвращается, если награды нет в каталоге.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrRedemptionNotFound возвращается, если заявка не найдена.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrTransactionNotFound возвращается, если записи журнала с такой ссылкой нет.
	ErrTransactionNotFound = errors.New("point transaction not found")
	// ErrStreakNotFound возвращается, если у пользователя ещё не было начислений за серию.
	ErrStreakNotFound = errors.New("streak not found")
	// ErrInsufficientBalance возвращается, если изменение баланса сделало бы его отрицательным.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOutOfStock возвращается, если изменение остатка сделало бы его отрицательным.
	ErrOutOfStock = errors.New("out of stock")
	// ErrDuplicateCode возвращается при коллизии кода заявки.
	ErrDuplicateCode = errors.New("redemption code already exists")
	// ErrDuplicateReference возвращается при повторной вставке записи журнала с той же ссылкой.
	ErrDuplicateReference = errors.New("point transaction reference already exists")
)

// Queries перечисляет операции, доступные как вне транзакции, так и внутри неё.
type Queries interface {
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	// GetUserForUpdate блокирует строку пользователя до конца транзакции.
	GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error)
	// AddUserPoints атомарно изменяет баланс и возвращает новое значение.
	// Баланс не может стать отрицательным: в этом случае возвращается ErrInsufficientBalance.
	AddUserPoints(ctx context.Context, userID int64, delta int64) (int64, error)

	GetTransactionByReference(ctx context.Context, reference string) (*model.PointTransaction, error)
	InsertTransaction(ctx context.Context, t *model.PointTransaction) error
	ListTransactionsByUser(ctx context.Context, userID int64) ([]model.PointTransaction, error)
	SumTransactions(ctx context.Context, userID int64) (int64, error)

	GetRewardForUpdate(ctx context.Context, rewardID int64) (*model.Reward, error)
	GetReward(ctx context.Context, rewardID int64) (*model.Reward, error)
	// AdjustStock изменяет конечный остаток на delta. Для неограниченной награды ничего не делает.
	AdjustStock(ctx context.Context, rewardID int64, delta int64) error

	InsertRedemption(ctx context.Context, r *model.Redemption) error
	GetRedemption(ctx context.Context, id string) (*model.Redemption, error)
	GetRedemptionForUpdate(ctx context.Context, id string) (*model.Redemption, error)
	GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error)
	ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error)
	// VerifyRedemption переводит заявку pending → verified, только если она ещё в pending
	// и не истекла к моменту at. Возвращает false, если условие не выполнено.
	VerifyRedemption(ctx context.Context, id string, at time.Time, verifiedBy int64) (bool, error)
	// CancelRedemption переводит заявку pending → cancelled, если она в pending.
	CancelRedemption(ctx context.Context, id string, at time.Time) (bool, error)
	// ExpireRedemption переводит заявку pending → expired, если её срок истёк к моменту at.
	ExpireRedemption(ctx context.Context, id string, at time.Time) (bool, error)
	// ExpireOverdue переводит в expired до limit просроченных заявок и возвращает их.
	ExpireOverdue(ctx context.Context, at time.Time, limit int) ([]model.Redemption, error)

	GetStreak(ctx context.Context, userID int64) (*model.Streak, error)
	SaveStreak(ctx context.Context, s *model.Streak) error

	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Store добавляет к Queries транзакционную границу.
type Store interface {
	Queries
	// InTx выполняет fn в одной транзакции. Если fn возвращает ошибку, изменения откатываются.
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Close() error
}

var (
	_ Store   = (*PostgresRepository)(nil)
	_ Store   = (*MemoryRepository)(nil)
	_ Queries = memTx{}
	_ Queries = pgQueries{}
)
