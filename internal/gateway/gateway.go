// Package gateway принимает ввод со сканера или ручной ввод на точке выдачи,
// проверяет подписанный токен и подтверждает заявку.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/audit"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/redemption"
	"github.com/mmeshcher/campus-rewards/internal/token"
	"github.com/mmeshcher/campus-rewards/internal/validation"
)

// InputKind описывает вид распознанного ввода.
type InputKind int

const (
	InputEmpty InputKind = iota
	InputSignedToken
	InputRedemptionID
	InputManualCode
	InputUnknown
)

// String возвращает имя вида ввода для ответа и аудита.
func (k InputKind) String() string {
	switch k {
	case InputEmpty:
		return "empty"
	case InputSignedToken:
		return "token"
	case InputRedemptionID:
		return "redemption_id"
	case InputManualCode:
		return "code"
	default:
		return "unknown"
	}
}

// Input содержит распознанный ввод и нормализованное значение.
type Input struct {
	Kind  InputKind
	Value string
}

// urlParams перечисляет параметры ссылки, в которых может прийти токен или код.
var urlParams = []string{"token", "t", "code", "id"}

// Classify определяет вид ввода. Порядок проверок: ссылка, код из цифр,
// подписанный токен, идентификатор заявки, прочий ручной ввод.
func Classify(raw string) Input {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Input{Kind: InputEmpty}
	}
	if v, ok := fromURL(s); ok {
		s = v
	}
	if isDigitGroups(s) {
		return classifyManual(s)
	}
	if token.LooksLikeToken(s) {
		return Input{Kind: InputSignedToken, Value: s}
	}
	return classifyManual(s)
}

func classifyManual(s string) Input {
	if id, err := uuid.Parse(s); err == nil {
		return Input{Kind: InputRedemptionID, Value: id.String()}
	}
	if code := validation.NormalizeCode(s); validation.IsValidCode(code) {
		return Input{Kind: InputManualCode, Value: code}
	}
	return Input{Kind: InputUnknown, Value: s}
}

// isDigitGroups сообщает, состоит ли строка из цифр с разделителями ручного ввода.
// Подписанный токен всегда содержит буквы: его первая часть начинается с "eyJ".
func isDigitGroups(s string) bool {
	digits := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = true
		case r == ' ' || r == '-' || r == '.' || r == '\t':
		default:
			return false
		}
	}
	return digits
}

func fromURL(s string) (string, bool) {
	if !strings.Contains(s, "://") {
		host, _, ok := strings.Cut(s, "/")
		if !ok || !isHostname(host) {
			return "", false
		}
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	q := u.Query()
	for _, p := range urlParams {
		if v := strings.TrimSpace(q.Get(p)); v != "" {
			return v, true
		}
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := segments[len(segments)-1]; last != "" {
		if v, err := url.PathUnescape(last); err == nil {
			return v, true
		}
	}
	return "", false
}

// isHostname проверяет, что строка похожа на имя хоста с необязательным портом.
// Метки длиннее 63 символов недопустимы, поэтому часть токена хостом не считается.
func isHostname(host string) bool {
	if h, port, ok := strings.Cut(host, ":"); ok {
		if port == "" || strings.Trim(port, "0123456789") != "" {
			return false
		}
		host = h
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	tld := labels[len(labels)-1]
	return strings.Trim(strings.ToLower(tld), "abcdefghijklmnopqrstuvwxyz") == ""
}

// Verifier подтверждает заявки.
type Verifier interface {
	Resolve(ctx context.Context, id string) (*model.Redemption, error)
	ResolveCode(ctx context.Context, code string) (*model.Redemption, error)
	Verify(ctx context.Context, id string, staffID int64) (redemption.Summary, error)
}

// TokenVerifier проверяет подписанные токены.
type TokenVerifier interface {
	Verify(tok string) (token.Payload, error)
}

// Party содержит краткие сведения о пользователе или награде.
type Party struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RedemptionView выводится на чеке.
type RedemptionView struct {
	ID          string     `json:"id"`
	User        Party      `json:"user"`
	Reward      Party      `json:"reward"`
	PointsSpent int64      `json:"points_spent"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// Result возвращается точке выдачи после каждой попытки подтверждения.
type Result struct {
	Success bool `json:"success"`
	// SecurityValidated означает, что заявка найдена по проверенному подписанному токену.
	SecurityValidated bool `json:"security_validated"`
	// Flagged означает, что отказ требует внимания сотрудника.
	Flagged    bool            `json:"flagged"`
	Kind       apperr.Kind     `json:"error,omitempty"`
	Message    string          `json:"message"`
	Input      string          `json:"input"`
	Redemption *RedemptionView `json:"redemption,omitempty"`
}

// Gateway проверяет ввод и подтверждает заявки.
type Gateway struct {
	verifier Verifier
	tokens   TokenVerifier
	audit    audit.Sink
	logger   *zap.Logger
}

// New создаёт шлюз проверки.
func New(verifier Verifier, tokens TokenVerifier, sink audit.Sink, logger *zap.Logger) *Gateway {
	return &Gateway{verifier: verifier, tokens: tokens, audit: sink, logger: logger}
}

// Verify обрабатывает ввод сотрудника staffID. Любой исход, включая отказ, фиксируется в аудите.
func (g *Gateway) Verify(ctx context.Context, raw string, staffID int64) Result {
	in := Classify(raw)
	res := Result{Input: in.Kind.String()}

	var id string
	switch in.Kind {
	case InputSignedToken:
		p, err := g.tokens.Verify(in.Value)
		switch {
		case err == nil:
			id = p.RedemptionID
			res.SecurityValidated = true
		case errors.Is(err, apperr.ErrMalformedToken):
			in = classifyManual(in.Value)
			res.Input = in.Kind.String()
		default:
			// Отказ по токену не переходит к ручному поиску.
			res.Flagged = true
			return g.finish(ctx, res, p.RedemptionID, nil, staffID, err)
		}
	case InputEmpty:
		return g.finish(ctx, res, "", nil, staffID, fmt.Errorf("empty input: %w", apperr.ErrNotFound))
	}

	if id == "" {
		rec, err := g.resolve(ctx, in)
		if err != nil {
			return g.finish(ctx, res, "", nil, staffID, err)
		}
		id = rec.ID
	}

	sum, err := g.verifier.Verify(ctx, id, staffID)
	return g.finish(ctx, res, id, &sum, staffID, err)
}

func (g *Gateway) resolve(ctx context.Context, in Input) (*model.Redemption, error) {
	switch in.Kind {
	case InputRedemptionID:
		return g.verifier.Resolve(ctx, in.Value)
	case InputManualCode:
		return g.verifier.ResolveCode(ctx, in.Value)
	default:
		return nil, fmt.Errorf("unrecognized input: %w", apperr.ErrNotFound)
	}
}

func (g *Gateway) finish(ctx context.Context, res Result, id string, sum *redemption.Summary, staffID int64, err error) Result {
	kind := apperr.KindOf(err)
	res.Success = err == nil
	res.Kind = kind

	if sum != nil && sum.Redemption.ID != "" {
		res.Redemption = view(sum)
	}

	var av *apperr.AlreadyVerifiedError
	switch {
	case err == nil:
		res.Message = "reward granted"
	case errors.As(err, &av):
		res.Message = fmt.Sprintf("already redeemed at %s", av.VerifiedAt.Format(time.RFC3339))
		if res.Redemption == nil {
			res.Redemption = &RedemptionView{ID: av.RedemptionID}
		}
		res.Redemption.VerifiedAt = &av.VerifiedAt
	default:
		res.Message = apperr.Message(err)
	}

	if kind == apperr.KindInternal {
		g.logger.Error("verify redemption", zap.String("redemptionID", id), zap.Error(err))
	}

	e := model.AuditEvent{
		Type:         eventType(kind),
		RedemptionID: id,
		ActorID:      staffID,
		Security:     apperr.IsSecurity(kind),
		Message:      res.Message,
		Attrs: map[string]string{
			"input":              res.Input,
			"security_validated": fmt.Sprint(res.SecurityValidated),
		},
	}
	if res.Flagged {
		e.Attrs["flagged"] = "true"
	}
	if sum != nil {
		e.UserID = sum.Redemption.UserID
	}
	audit.Emit(ctx, g.audit, g.logger, e)

	return res
}

func view(sum *redemption.Summary) *RedemptionView {
	v := &RedemptionView{
		ID:          sum.Redemption.ID,
		User:        Party{ID: sum.User.ID, Name: sum.User.Name},
		Reward:      Party{ID: sum.Reward.ID, Name: sum.Reward.Name},
		PointsSpent: sum.Redemption.PointsSpent,
		VerifiedAt:  sum.Redemption.VerifiedAt,
	}
	if v.User.ID == 0 {
		v.User.ID = sum.Redemption.UserID
	}
	if v.Reward.ID == 0 {
		v.Reward.ID = sum.Redemption.RewardID
	}
	return v
}

func eventType(k apperr.Kind) string {
	switch k {
	case apperr.KindNone:
		return audit.VerificationSucceeded
	case apperr.KindAlreadyVerified:
		return audit.VerificationAlreadyVerified
	case apperr.KindExpired:
		return audit.VerificationExpired
	case apperr.KindCancelled:
		return audit.VerificationCancelled
	case apperr.KindSignatureInvalid, apperr.KindTamperedPayload:
		return audit.VerificationTampered
	case apperr.KindNotFound:
		return audit.VerificationNotFound
	default:
		return audit.VerificationFailed
	}
}
