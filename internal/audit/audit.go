// Package audit доставляет структурированные события обмена и подтверждения наград.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

// Типы событий.
const (
	RedemptionCreated   = "redemption.created"
	RedemptionCancelled = "redemption.cancelled"
	RedemptionExpired   = "redemption.expired"
	RedemptionVerified  = "redemption.verified"

	VerificationSucceeded       = "verification.succeeded"
	VerificationAlreadyVerified = "verification.already_verified"
	VerificationExpired         = "verification.expired"
	VerificationCancelled       = "verification.cancelled"
	VerificationTampered        = "verification.tampered"
	VerificationNotFound        = "verification.not_found"
	VerificationFailed          = "verification.failed"

	StreakAwarded = "points.streak_awarded"
)

// Sink принимает события аудита.
type Sink interface {
	Emit(ctx context.Context, e model.AuditEvent) error
}

// Emit отправляет событие в sink и журналирует неудачу. Ошибка доставки не влияет на операцию.
func Emit(ctx context.Context, sink Sink, logger *zap.Logger, e model.AuditEvent) {
	if sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := sink.Emit(ctx, e); err != nil && logger != nil {
		logger.Error("emit audit event", zap.String("type", e.Type), zap.String("redemptionID", e.RedemptionID), zap.Error(err))
	}
}

// Fanout рассылает событие во все sink'и.
type Fanout struct {
	sinks []Sink
}

// NewFanout создаёт рассылку по указанным sink'ам.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Emit отправляет событие каждому sink'у и объединяет ошибки.
func (f *Fanout) Emit(ctx context.Context, e model.AuditEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink пишет события в журнал приложения. События безопасности пишутся с уровнем Warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт sink поверх logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Emit пишет событие в журнал. События безопасности пишутся с уровнем warn.
func (s *LogSink) Emit(_ context.Context, e model.AuditEvent) error {
	fields := []zap.Field{
		zap.String("type", e.Type),
		zap.Time("at", e.At),
	}
	if e.RedemptionID != "" {
		fields = append(fields, zap.String("redemptionID", e.RedemptionID))
	}
	if e.UserID != 0 {
		fields = append(fields, zap.Int64("userID", e.UserID))
	}
	if e.ActorID != 0 {
		fields = append(fields, zap.Int64("actorID", e.ActorID))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	for k, v := range e.Attrs {
		fields = append(fields, zap.String(k, v))
	}

	if e.Security {
		s.logger.Warn("security event", fields...)
		return nil
	}
	s.logger.Info("event", fields...)
	return nil
}

// EventWriter сохраняет события в хранилище.
type EventWriter interface {
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// StoreSink сохраняет события в таблицу аудита.
type StoreSink struct {
	w EventWriter
}

// NewStoreSink создаёт sink поверх хранилища.
func NewStoreSink(w EventWriter) *StoreSink {
	return &StoreSink{w: w}
}

// Emit сохраняет событие в хранилище.
func (s *StoreSink) Emit(ctx context.Context, e model.AuditEvent) error {
	return s.w.InsertAuditEvent(ctx, e)
}

// Recorder запоминает события в памяти.
type Recorder struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

// Emit запоминает событие.
func (r *Recorder) Emit(_ context.Context, e model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events возвращает копию записанных событий.
func (r *Recorder) Events() []model.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditEvent(nil), r.events...)
}

// Types возвращает типы записанных событий по порядку.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, 0, len(r.events))
	for _, e := range r.events {
		res = append(res, e.Type)
	}
	return res
}
