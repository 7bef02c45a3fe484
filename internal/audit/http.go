package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

// ErrBufferFull возвращается, если очередь отправки переполнена.
var ErrBufferFull = errors.New("audit buffer full")

// HTTPSink пересылает события во внешнюю систему комплаенса.
// Emit не блокирует: события копятся в буфере и отправляются фоновым обработчиком Run.
type HTTPSink struct {
	baseURL      string
	httpClient   *http.Client
	logger       *zap.Logger
	queue        chan model.AuditEvent
	drainTimeout time.Duration
}

// defaultDrainTimeout ограничивает досылку очереди при остановке.
const defaultDrainTimeout = 5 * time.Second

// NewHTTPSink создаёт sink, отправляющий события по адресу baseURL.
func NewHTTPSink(baseURL string, buffer int, logger *zap.Logger) *HTTPSink {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &HTTPSink{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger:       logger,
		queue:        make(chan model.AuditEvent, buffer),
		drainTimeout: defaultDrainTimeout,
	}
}

// Emit ставит событие в очередь отправки.
func (s *HTTPSink) Emit(_ context.Context, e model.AuditEvent) error {
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run отправляет события из очереди, пока не отменён ctx.
// После отмены досылает накопленные события, но не дольше drainTimeout.
func (s *HTTPSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case e := <-s.queue:
			if !s.deliver(ctx, e) && ctx.Err() != nil {
				s.drain(e)
				return
			}
		}
	}
}

// drain отправляет pending и остаток очереди с собственным ограничением по времени.
func (s *HTTPSink) drain(pending ...model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	for _, e := range pending {
		s.deliver(ctx, e)
	}
	for {
		if ctx.Err() != nil {
			if n := len(s.queue); n > 0 {
				s.logger.Error("drop queued audit events on shutdown", zap.Int("count", n))
			}
			return
		}
		select {
		case e := <-s.queue:
			s.deliver(ctx, e)
		default:
			return
		}
	}
}

// deliver сообщает, принято ли событие. Отказ без повтора (4xx) тоже считается завершённой доставкой.
func (s *HTTPSink) deliver(ctx context.Context, e model.AuditEvent) bool {
	for attempt := 0; attempt < 3; attempt++ {
		statusCode, retryAfter, err := s.Send(ctx, e)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if statusCode != http.StatusTooManyRequests {
			s.logger.Warn("deliver audit event", zap.String("type", e.Type), zap.Int("status", statusCode), zap.Error(err))
			if statusCode != 0 && statusCode < http.StatusInternalServerError {
				return true
			}
			retryAfter = time.Duration(attempt+1) * time.Second
		}

		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	s.logger.Error("drop audit event", zap.String("type", e.Type), zap.String("redemptionID", e.RedemptionID))
	return true
}

// Send синхронно отправляет одно событие. Для ответа 429 возвращает рекомендованную паузу.
func (s *HTTPSink) Send(ctx context.Context, e model.AuditEvent) (int, time.Duration, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/audit/events", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, fmt.Errorf("rate limited")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, 0, nil
}
