// Package redemption реализует жизненный цикл заявки на награду:
// создание с оплатой баллами, подтверждение на точке выдачи, отмену с возвратом и истечение срока.
//
// Переходы pending → verified | cancelled | expired выполняются условным обновлением
// в хранилище, поэтому из конкурирующих попыток успешна ровно одна.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/audit"
	"github.com/mmeshcher/campus-rewards/internal/ledger"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/repository"
	"github.com/mmeshcher/campus-rewards/internal/token"
	"github.com/mmeshcher/campus-rewards/internal/validation"
)

const (
	// DefaultRecordTTL задаёт срок действия заявки по умолчанию.
	DefaultRecordTTL = 7 * 24 * time.Hour

	codeAttempts   = 3
	sweepBatchSize = 100
)

// Actor задаёт пользователя, от имени которого выполняется операция.
type Actor struct {
	UserID int64
	Role   model.Role
}

func (a Actor) canAccess(r *model.Redemption) bool {
	return a.UserID == r.UserID || a.Role.IsStaff()
}

// CreateRequest описывает обмен баллов на награду.
type CreateRequest struct {
	UserID   int64
	RewardID int64
	// IdempotencyKey защищает от двойного списания при повторе запроса клиентом.
	IdempotencyKey string
}

// IssuedToken содержит подписанный токен и момент его истечения.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// CreateResult возвращается из Create. Replayed означает повтор по ключу идемпотентности.
type CreateResult struct {
	Redemption model.Redemption
	Balance    int64
	Token      IssuedToken
	Replayed   bool
}

// Summary собирает данные для чека при выдаче награды.
type Summary struct {
	Redemption model.Redemption
	User       model.User
	Reward     model.Reward
}

// CancelResult содержит отменённую заявку и баланс после возврата баллов.
type CancelResult struct {
	Redemption model.Redemption
	Refunded   int64
	Balance    int64
}

// Service управляет заявками.
type Service struct {
	store     repository.Store
	ledger    *ledger.Ledger
	tokens    *token.Service
	audit     audit.Sink
	logger    *zap.Logger
	now       func() time.Time
	recordTTL time.Duration
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecordTTL задаёт срок действия новых заявок.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.recordTTL = ttl
		}
	}
}

// NewService создаёт сервис заявок.
func NewService(store repository.Store, l *ledger.Ledger, tokens *token.Service, sink audit.Sink, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		ledger:    l,
		tokens:    tokens,
		audit:     sink,
		logger:    logger,
		now:       time.Now,
		recordTTL: DefaultRecordTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create списывает баллы, уменьшает остаток награды и создаёт заявку в одной транзакции.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	var (
		res CreateResult
		err error
	)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		res, err = s.create(ctx, req)
		if !errors.Is(err, repository.ErrDuplicateCode) {
			break
		}
		s.logger.Warn("redemption code collision", zap.Int("attempt", attempt+1))
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateCode) {
			return CreateResult{}, apperr.Internal("create redemption", err)
		}
		return CreateResult{}, err
	}

	if !res.Replayed {
		s.emit(ctx, audit.RedemptionCreated, &res.Redemption, req.UserID, map[string]string{
			"reward_id":    fmt.Sprint(res.Redemption.RewardID),
			"points_spent": fmt.Sprint(res.Redemption.PointsSpent),
		})
	}

	now := s.now().UTC()
	if res.Redemption.Status == model.RedemptionPending && !res.Redemption.ExpiredAt(now) {
		tok, err := s.sign(res.Redemption.ID, now)
		if err != nil {
			return CreateResult{}, err
		}
		res.Token = tok
	}
	return res, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	now := s.now().UTC()
	id := uuid.NewString()
	code, err := validation.GenerateCode()
	if err != nil {
		return CreateResult{}, apperr.Internal("generate code", err)
	}

	ref := ledger.Ref{Key: "redemption:" + id + ":debit", Type: model.TxRedemptionDebit, RedemptionID: &id}
	if req.IdempotencyKey != "" {
		ref.Key = fmt.Sprintf("redeem:%d:%s", req.UserID, req.IdempotencyKey)
	}

	var res CreateResult
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		res = CreateResult{}

		u, err := q.GetUserForUpdate(ctx, req.UserID)
		if err != nil {
			return translate("lock user", err)
		}
		if !u.Role.CanRedeem() {
			return apperr.ErrNotEligible
		}

		if req.IdempotencyKey != "" {
			prior, err := q.GetTransactionByReference(ctx, ref.Key)
			switch {
			case err == nil:
				if prior.RedemptionID == nil || prior.UserID != req.UserID {
					return fmt.Errorf("idempotency key %s: %w", req.IdempotencyKey, apperr.ErrReferenceConflict)
				}
				rec, err := q.GetRedemption(ctx, *prior.RedemptionID)
				if err != nil {
					return translate("get redemption", err)
				}
				if rec.RewardID != req.RewardID {
					return fmt.Errorf("idempotency key %s: %w", req.IdempotencyKey, apperr.ErrReferenceConflict)
				}
				res = CreateResult{Redemption: *rec, Balance: u.Points, Replayed: true}
				return nil
			case !errors.Is(err, repository.ErrTransactionNotFound):
				return translate("get transaction", err)
			}
		}

		reward, err := q.GetRewardForUpdate(ctx, req.RewardID)
		if err != nil {
			return translate("lock reward", err)
		}
		if !reward.AvailableAt(now) {
			return apperr.ErrRewardNotAvailable
		}
		if !reward.InStock() {
			return apperr.ErrOutOfStock
		}
		if u.Points < reward.Cost {
			return apperr.ErrInsufficientBalance
		}

		expiresAt := now.Add(s.recordTTL)
		rec := model.Redemption{
			ID:             id,
			UserID:         u.ID,
			RewardID:       reward.ID,
			PointsSpent:    reward.Cost,
			Code:           code,
			Status:         model.RedemptionPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			ExpiresAt:      &expiresAt,
		}
		if err := q.InsertRedemption(ctx, &rec); err != nil {
			if errors.Is(err, repository.ErrDuplicateCode) {
				return err
			}
			return translate("insert redemption", err)
		}

		entry, err := s.ledger.DebitTx(ctx, q, u.ID, reward.Cost, ref)
		if err != nil {
			return err
		}

		if err := q.AdjustStock(ctx, reward.ID, -1); err != nil {
			return translate("decrement stock", err)
		}

		res = CreateResult{Redemption: rec, Balance: entry.Balance}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	return res, nil
}

// Verify подтверждает выдачу награды сотрудником staffID.
// Ошибки: apperr.ErrNotFound, *apperr.AlreadyVerifiedError, apperr.ErrCancelled, apperr.ErrExpired.
func (s *Service) Verify(ctx context.Context, id string, staffID int64) (Summary, error) {
	now := s.now().UTC()

	rec, err := s.load(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	if err := s.checkPending(ctx, rec, now); err != nil {
		return Summary{Redemption: *rec}, err
	}

	ok, err := s.store.VerifyRedemption(ctx, id, now, staffID)
	if err != nil {
		return Summary{}, apperr.Internal("verify redemption", err)
	}
	if !ok {
		// Переход выполнил кто-то другой: сообщаем фактическое состояние.
		rec, err = s.load(ctx, id)
		if err != nil {
			return Summary{}, err
		}
		if err := s.checkPending(ctx, rec, now); err != nil {
			return Summary{Redemption: *rec}, err
		}
		return Summary{Redemption: *rec}, apperr.ErrInvalidState
	}

	rec.Status = model.RedemptionVerified
	rec.VerifiedAt = &now
	rec.VerifiedBy = &staffID

	s.emit(ctx, audit.RedemptionVerified, rec, staffID, nil)

	return s.summary(ctx, rec), nil
}

// Cancel отменяет заявку в состоянии pending, возвращает баллы и единицу награды.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (CancelResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return CancelResult{}, apperr.ErrNotFound
	}
	now := s.now().UTC()

	var (
		res     CancelResult
		overdue bool
		flipped bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		res, overdue, flipped = CancelResult{}, false, false

		rec, err := q.GetRedemptionForUpdate(ctx, id)
		if err != nil {
			return translate("lock redemption", err)
		}
		if !actor.canAccess(rec) {
			return apperr.ErrNotFound
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("cancel %s redemption: %w", rec.Status, apperr.ErrInvalidState)
		}

		if rec.ExpiredAt(now) {
			overdue = true
			flipped, err = q.ExpireRedemption(ctx, id, now)
			if err != nil {
				return translate("expire redemption", err)
			}
			rec.Status = model.RedemptionExpired
			res.Redemption = *rec
			return nil
		}

		ok, err := q.CancelRedemption(ctx, id, now)
		if err != nil {
			return translate("cancel redemption", err)
		}
		if !ok {
			return apperr.ErrInvalidState
		}

		entry, err := s.ledger.CreditTx(ctx, q, rec.UserID, rec.PointsSpent, ledger.Ref{
			Key:          "redemption:" + id + ":refund",
			Type:         model.TxRefundCredit,
			RedemptionID: &rec.ID,
		})
		if err != nil {
			return err
		}

		if err := q.AdjustStock(ctx, rec.RewardID, 1); err != nil {
			return translate("restore stock", err)
		}

		rec.Status = model.RedemptionCancelled
		rec.CancelledAt = &now
		res = CancelResult{Redemption: *rec, Refunded: rec.PointsSpent, Balance: entry.Balance}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	if overdue {
		if flipped {
			s.emit(ctx, audit.RedemptionExpired, &res.Redemption, actor.UserID, nil)
		}
		return CancelResult{}, apperr.ErrExpired
	}

	s.emit(ctx, audit.RedemptionCancelled, &res.Redemption, actor.UserID, map[string]string{
		"refunded": fmt.Sprint(res.Refunded),
	})
	return res, nil
}

// IssueToken выпускает новый подписанный токен для ещё действующей заявки владельца.
func (s *Service) IssueToken(ctx context.Context, actor Actor, id string) (IssuedToken, error) {
	now := s.now().UTC()

	rec, err := s.load(ctx, id)
	if err != nil {
		return IssuedToken{}, err
	}
	if rec.UserID != actor.UserID {
		return IssuedToken{}, apperr.ErrNotFound
	}
	if err := s.checkPending(ctx, rec, now); err != nil {
		return IssuedToken{}, err
	}
	return s.sign(id, now)
}

// Get возвращает заявку, доступную actor.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*model.Redemption, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(rec) {
		return nil, apperr.ErrNotFound
	}
	return rec, nil
}

// Resolve находит заявку по идентификатору.
func (s *Service) Resolve(ctx context.Context, id string) (*model.Redemption, error) {
	return s.load(ctx, id)
}

// ResolveCode находит заявку по коду для ручного ввода.
func (s *Service) ResolveCode(ctx context.Context, code string) (*model.Redemption, error) {
	if !validation.IsValidCode(code) {
		return nil, apperr.ErrNotFound
	}
	rec, err := s.store.GetRedemptionByCode(ctx, code)
	if err != nil {
		return nil, translate("get redemption by code", err)
	}
	return rec, nil
}

// List возвращает заявки пользователя.
func (s *Service) List(ctx context.Context, userID int64) ([]model.Redemption, error) {
	recs, err := s.store.ListRedemptionsByUser(ctx, userID)
	if err != nil {
		return nil, translate("list redemptions", err)
	}
	return recs, nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Redemption, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.ErrNotFound
	}
	rec, err := s.store.GetRedemption(ctx, id)
	if err != nil {
		return nil, translate("get redemption", err)
	}
	return rec, nil
}

// checkPending сообщает, почему заявку нельзя использовать, и лениво переводит
// просроченную заявку в expired.
func (s *Service) checkPending(ctx context.Context, rec *model.Redemption, now time.Time) error {
	switch rec.Status {
	case model.RedemptionVerified:
		verifiedAt := rec.CreatedAt
		if rec.VerifiedAt != nil {
			verifiedAt = *rec.VerifiedAt
		}
		return &apperr.AlreadyVerifiedError{RedemptionID: rec.ID, VerifiedAt: verifiedAt}
	case model.RedemptionCancelled:
		return apperr.ErrCancelled
	case model.RedemptionExpired:
		return apperr.ErrExpired
	}

	if rec.ExpiredAt(now) {
		ok, err := s.store.ExpireRedemption(ctx, rec.ID, now)
		if err != nil {
			s.logger.Error("expire redemption", zap.String("redemptionID", rec.ID), zap.Error(err))
		}
		if ok {
			rec.Status = model.RedemptionExpired
			s.emit(ctx, audit.RedemptionExpired, rec, 0, nil)
		}
		return apperr.ErrExpired
	}
	return nil
}

func (s *Service) sign(id string, now time.Time) (IssuedToken, error) {
	tok, err := s.tokens.Sign(id, now)
	if err != nil {
		return IssuedToken{}, apperr.Internal("sign token", err)
	}
	issued := time.Unix(now.Unix(), 0).UTC()
	return IssuedToken{Token: tok, ExpiresAt: s.tokens.ExpiresAt(token.Payload{IssuedAt: issued})}, nil
}

func (s *Service) summary(ctx context.Context, rec *model.Redemption) Summary {
	sum := Summary{Redemption: *rec}

	if u, err := s.store.GetUser(ctx, rec.UserID); err == nil {
		sum.User = *u
	} else {
		s.logger.Warn("receipt user lookup", zap.Int64("userID", rec.UserID), zap.Error(err))
		sum.User = model.User{ID: rec.UserID}
	}

	if r, err := s.store.GetReward(ctx, rec.RewardID); err == nil {
		sum.Reward = *r
	} else {
		s.logger.Warn("receipt reward lookup", zap.Int64("rewardID", rec.RewardID), zap.Error(err))
		sum.Reward = model.Reward{ID: rec.RewardID}
	}
	return sum
}

func (s *Service) emit(ctx context.Context, typ string, rec *model.Redemption, actorID int64, attrs map[string]string) {
	audit.Emit(ctx, s.audit, s.logger, model.AuditEvent{
		Type:         typ,
		RedemptionID: rec.ID,
		UserID:       rec.UserID,
		ActorID:      actorID,
		Attrs:        attrs,
		At:           s.now().UTC(),
	})
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrRedemptionNotFound), errors.Is(err, repository.ErrUserNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, repository.ErrRewardNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrRewardNotAvailable)
	case errors.Is(err, repository.ErrOutOfStock):
		return apperr.ErrOutOfStock
	case errors.Is(err, repository.ErrInsufficientBalance):
		return apperr.ErrInsufficientBalance
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.Internal(op, err)
	}
}

// SweepExpired переводит все просроченные заявки в expired и возвращает их число.
// Баллы за просроченные заявки не возвращаются.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.now().UTC()
		batch, err := s.store.ExpireOverdue(ctx, now, sweepBatchSize)
		if err != nil {
			return total, apperr.Internal("expire overdue", err)
		}
		for i := range batch {
			s.emit(ctx, audit.RedemptionExpired, &batch[i], 0, map[string]string{"source": "sweep"})
		}
		total += len(batch)
		if len(batch) < sweepBatchSize {
			return total, nil
		}
	}
}

// RunExpirySweep периодически вызывает SweepExpired до отмены ctx.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("expiry sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired redemptions", zap.Int("count", n))
			}
		}
	}
}
