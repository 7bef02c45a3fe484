// Package ledger ведёт баланс баллов пользователя и неизменяемый журнал операций.
// Любое изменение баланса проходит через Ledger и сопровождается ровно одной записью журнала.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/repository"
)

// ErrInvalidAmount возвращается для неположительной суммы операции.
var ErrInvalidAmount = errors.New("amount must be positive")

// Ref описывает ссылку идемпотентности операции.
type Ref struct {
	Key          string
	Type         model.TransactionType
	RedemptionID *string
}

// Entry описывает результат операции с балансом.
type Entry struct {
	Transaction model.PointTransaction
	Balance     int64
	// Replayed означает, что операция с этой ссылкой уже была выполнена ранее.
	Replayed bool
}

// Balance содержит баланс пользователя и результат сверки с журналом.
type Balance struct {
	Current    int64 `json:"current"`
	LedgerSum  int64 `json:"ledger_sum"`
	Reconciled bool  `json:"reconciled"`
}

// Ledger выполняет списания и начисления.
type Ledger struct {
	store repository.Store
	now   func() time.Time
}

// New создаёт Ledger поверх хранилища.
func New(store repository.Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Debit списывает amount баллов в отдельной транзакции.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, ref Ref) (Entry, error) {
	var e Entry
	err := l.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		e, err = l.DebitTx(ctx, q, userID, amount, ref)
		return err
	})
	return e, err
}

// Credit начисляет amount баллов в отдельной транзакции.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64, ref Ref) (Entry, error) {
	var e Entry
	err := l.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		e, err = l.CreditTx(ctx, q, userID, amount, ref)
		return err
	})
	return e, err
}

// DebitTx списывает amount баллов внутри транзакции вызывающего.
// Ошибки: apperr.ErrInsufficientBalance, apperr.ErrNotFound, apperr.ErrReferenceConflict.
func (l *Ledger) DebitTx(ctx context.Context, q repository.Queries, userID, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, q, userID, -amount, amount, ref)
}

// CreditTx начисляет amount баллов внутри транзакции вызывающего.
func (l *Ledger) CreditTx(ctx context.Context, q repository.Queries, userID, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, q, userID, amount, amount, ref)
}

func (l *Ledger) apply(ctx context.Context, q repository.Queries, userID, delta, amount int64, ref Ref) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if ref.Key == "" {
		return Entry{}, fmt.Errorf("empty reference: %w", apperr.ErrReferenceConflict)
	}

	// Блокировка пользователя сериализует операции по одному счёту,
	// поэтому проверка ссылки ниже видит все завершённые операции.
	u, err := q.GetUserForUpdate(ctx, userID)
	if err != nil {
		return Entry{}, translate("lock user", err)
	}

	prior, err := q.GetTransactionByReference(ctx, ref.Key)
	switch {
	case err == nil:
		if prior.UserID != userID || prior.Type != ref.Type || prior.Amount != delta {
			return Entry{}, fmt.Errorf("reference %s: %w", ref.Key, apperr.ErrReferenceConflict)
		}
		return Entry{Transaction: *prior, Balance: u.Points, Replayed: true}, nil
	case !errors.Is(err, repository.ErrTransactionNotFound):
		return Entry{}, translate("get transaction", err)
	}

	balance, err := q.AddUserPoints(ctx, userID, delta)
	if err != nil {
		return Entry{}, translate("update balance", err)
	}

	t := model.PointTransaction{
		UserID:       userID,
		Amount:       delta,
		Type:         ref.Type,
		Reference:    ref.Key,
		RedemptionID: ref.RedemptionID,
		CreatedAt:    l.now().UTC(),
	}
	if err := q.InsertTransaction(ctx, &t); err != nil {
		return Entry{}, translate("insert transaction", err)
	}

	return Entry{Transaction: t, Balance: balance}, nil
}

// Balance возвращает баланс и сверяет его с суммой журнала.
func (l *Ledger) Balance(ctx context.Context, userID int64) (Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, translate("get user", err)
	}
	sum, err := l.store.SumTransactions(ctx, userID)
	if err != nil {
		return Balance{}, translate("sum transactions", err)
	}
	return Balance{Current: u.Points, LedgerSum: sum, Reconciled: sum == u.Points}, nil
}

// Transactions возвращает журнал операций пользователя.
func (l *Ledger) Transactions(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	txs, err := l.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, translate("list transactions", err)
	}
	return txs, nil
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		return apperr.ErrInsufficientBalance
	case errors.Is(err, repository.ErrUserNotFound):
		return fmt.Errorf("%s: user: %w", op, apperr.ErrNotFound)
	case errors.Is(err, repository.ErrDuplicateReference):
		return fmt.Errorf("%s: %w", op, apperr.ErrReferenceConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.Internal(op, err)
	}
}
