package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/audit"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/repository"
)

// MaxStreakPoints достигается на пятый день серии.
const MaxStreakPoints = 5

// Award описывает итог ежедневного начисления.
type Award struct {
	Points         int64 `json:"awarded"`
	Streak         int   `json:"streak"`
	Balance        int64 `json:"balance"`
	AlreadyAwarded bool  `json:"already_awarded"`
}

// StreakPoints возвращает число баллов за день серии с номером day.
func StreakPoints(day int) int64 {
	if day < 1 {
		return 1
	}
	if day > MaxStreakPoints {
		return MaxStreakPoints
	}
	return int64(day)
}

// NextStreak вычисляет длину серии на день today по предыдущему состоянию.
// Пропуск дня сбрасывает серию до 1.
func NextStreak(prev *model.Streak, today time.Time) int {
	if prev == nil {
		return 1
	}
	last := civilDay(prev.LastDay, time.UTC)
	switch {
	case last.Equal(today):
		return prev.Current
	case last.AddDate(0, 0, 1).Equal(today):
		return prev.Current + 1
	default:
		return 1
	}
}

// civilDay возвращает календарную дату момента t в зоне loc как полночь UTC.
func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StreakAwarder начисляет баллы за ежедневную активность.
type StreakAwarder struct {
	ledger *Ledger
	loc    *time.Location
	audit  audit.Sink
	logger *zap.Logger
}

// NewStreakAwarder создаёт начисление серий; день определяется в зоне loc.
func NewStreakAwarder(l *Ledger, loc *time.Location, sink audit.Sink, logger *zap.Logger) *StreakAwarder {
	if loc == nil {
		loc = time.UTC
	}
	return &StreakAwarder{ledger: l, loc: loc, audit: sink, logger: logger}
}

// AwardDaily начисляет баллы за текущий день. Повторный вызов в тот же день ничего не меняет
// и возвращает результат первого начисления.
func (s *StreakAwarder) AwardDaily(ctx context.Context, userID int64) (Award, error) {
	now := s.ledger.now()
	today := civilDay(now, s.loc)
	ref := Ref{
		Key:  fmt.Sprintf("streak:%d:%s", userID, today.Format(time.DateOnly)),
		Type: model.TxStreakCredit,
	}

	var award Award
	err := s.ledger.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		u, err := q.GetUserForUpdate(ctx, userID)
		if err != nil {
			return translate("lock user", err)
		}
		if !u.Role.CanRedeem() {
			return apperr.ErrNotEligible
		}

		prev, err := q.GetStreak(ctx, userID)
		if err != nil && !errors.Is(err, repository.ErrStreakNotFound) {
			return translate("get streak", err)
		}
		if errors.Is(err, repository.ErrStreakNotFound) {
			prev = nil
		}

		if prior, err := q.GetTransactionByReference(ctx, ref.Key); err == nil {
			award = Award{Points: prior.Amount, Streak: NextStreak(prev, today), Balance: u.Points, AlreadyAwarded: true}
			return nil
		}

		current := NextStreak(prev, today)
		entry, err := s.ledger.CreditTx(ctx, q, userID, StreakPoints(current), ref)
		if err != nil {
			return err
		}
		award = Award{
			Points:  entry.Transaction.Amount,
			Streak:  current,
			Balance: entry.Balance,
		}

		if err := q.SaveStreak(ctx, &model.Streak{UserID: userID, Current: current, LastDay: today}); err != nil {
			return translate("save streak", err)
		}
		return nil
	})
	if err != nil {
		return Award{}, err
	}

	if !award.AlreadyAwarded {
		audit.Emit(ctx, s.audit, s.logger, model.AuditEvent{
			Type:   audit.StreakAwarded,
			UserID: userID,
			Attrs: map[string]string{
				"points": fmt.Sprint(award.Points),
				"streak": fmt.Sprint(award.Streak),
			},
			At: now.UTC(),
		})
	}
	return award, nil
}

