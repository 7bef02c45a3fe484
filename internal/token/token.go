// Package token подписывает и проверяет компактные токены подтверждения заявки.
//
// Формат: base64url(payload) "." base64url(HMAC-SHA256(segment)), где segment:
// первая часть токена в закодированном виде. Проверка не обращается к хранилищу.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
)

// KeySize задаёт требуемую длину секрета в байтах.
const KeySize = 32

// DefaultTTL используется, если срок жизни не задан.
const DefaultTTL = 5 * time.Minute

// CurrentVersion используется при подписи новых токенов.
const CurrentVersion = 1

var encoding = base64.RawURLEncoding.Strict()

// ErrKeySize возвращается при попытке создать сервис с ключом неверной длины.
var ErrKeySize = errors.New("token secret must be 32 bytes")

// Payload содержит проверенные поля токена.
type Payload struct {
	Version      int
	RedemptionID string
	IssuedAt     time.Time
}

// payloadV1 задаёт порядок полей канонической формы первой версии.
type payloadV1 struct {
	Version      int    `json:"v"`
	RedemptionID string `json:"redemption_id"`
	IssuedAt     int64  `json:"issued_at"`
}

type versionProbe struct {
	Version *int `json:"v"`
}

// Service подписывает и проверяет токены. Безопасен для конкурентного использования.
type Service struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис с секретом key и сроком жизни токенов ttl.
func NewService(key []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		key: append([]byte(nil), key...),
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign выпускает токен для заявки redemptionID с моментом выпуска issuedAt.
// Время хранится с точностью до секунды.
func (s *Service) Sign(redemptionID string, issuedAt time.Time) (string, error) {
	if redemptionID == "" {
		return "", fmt.Errorf("sign token: %w", apperr.ErrMalformedToken)
	}
	raw, err := canonicalV1(payloadV1{
		Version:      CurrentVersion,
		RedemptionID: redemptionID,
		IssuedAt:     issuedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	segment := encoding.EncodeToString(raw)
	return segment + "." + s.mac(segment), nil
}

// Verify проверяет токен и возвращает его содержимое.
// Ошибки: apperr.ErrMalformedToken, apperr.ErrSignatureInvalid,
// apperr.ErrTamperedPayload, apperr.ErrExpired.
func (s *Service) Verify(tok string) (Payload, error) {
	if !LooksLikeToken(tok) {
		return Payload{}, apperr.ErrMalformedToken
	}

	segment, sig, ok := split(tok)
	if !ok || !hmac.Equal([]byte(sig), []byte(s.mac(segment))) {
		return Payload{}, apperr.ErrSignatureInvalid
	}

	raw, err := encoding.DecodeString(segment)
	if err != nil {
		return Payload{}, apperr.ErrTamperedPayload
	}

	p, err := decode(raw)
	if err != nil {
		return Payload{}, err
	}

	if s.now().Sub(p.IssuedAt) > s.ttl {
		return p, fmt.Errorf("token issued at %s: %w", p.IssuedAt.Format(time.RFC3339), apperr.ErrExpired)
	}
	return p, nil
}

// ExpiresAt возвращает момент, после которого токен с этим содержимым недействителен.
func (s *Service) ExpiresAt(p Payload) time.Time {
	return p.IssuedAt.Add(s.ttl)
}

// LooksLikeToken сообщает, имеет ли строка форму подписанного токена: хотя бы две
// непустые части через точку. Ссылки со схемой токенами не считаются.
func LooksLikeToken(s string) bool {
	if strings.Contains(s, "://") {
		return false
	}
	parts := 0
	for _, p := range strings.Split(s, ".") {
		if p != "" {
			parts++
		}
	}
	return parts >= 2
}

func (s *Service) mac(segment string) string {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(segment))
	return encoding.EncodeToString(m.Sum(nil))
}

// split разбирает строго каноническую форму: ровно одна точка и base64url по обе стороны.
func split(tok string) (string, string, bool) {
	segment, sig, found := strings.Cut(tok, ".")
	if !found || segment == "" || sig == "" {
		return "", "", false
	}
	if !isBase64URL(segment) || !isBase64URL(sig) {
		return "", "", false
	}
	return segment, sig, true
}

func isBase64URL(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// decode выбирает правило канонизации по версии и сверяет байты с канонической формой.
func decode(raw []byte) (Payload, error) {
	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Version == nil {
		return Payload{}, apperr.ErrTamperedPayload
	}

	switch *probe.Version {
	case 1:
		var v payloadV1
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return Payload{}, apperr.ErrTamperedPayload
		}
		canonical, err := canonicalV1(v)
		if err != nil || !bytes.Equal(canonical, raw) || v.RedemptionID == "" {
			return Payload{}, apperr.ErrTamperedPayload
		}
		return Payload{
			Version:      v.Version,
			RedemptionID: v.RedemptionID,
			IssuedAt:     time.Unix(v.IssuedAt, 0).UTC(),
		}, nil
	default:
		return Payload{}, fmt.Errorf("unsupported token version %d: %w", *probe.Version, apperr.ErrTamperedPayload)
	}
}

func canonicalV1(v payloadV1) ([]byte, error) {
	return json.Marshal(v)
}
