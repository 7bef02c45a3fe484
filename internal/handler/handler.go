// Package handler содержит HTTP-обработчики API сервиса наград.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/gateway"
	"github.com/mmeshcher/campus-rewards/internal/ledger"
	"github.com/mmeshcher/campus-rewards/internal/middleware"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/redemption"
)

const maxVerifyInput = 4 << 10

// Redemptions описывает операции с заявками.
type Redemptions interface {
	Create(ctx context.Context, req redemption.CreateRequest) (redemption.CreateResult, error)
	Get(ctx context.Context, actor redemption.Actor, id string) (*model.Redemption, error)
	List(ctx context.Context, userID int64) ([]model.Redemption, error)
	Cancel(ctx context.Context, actor redemption.Actor, id string) (redemption.CancelResult, error)
	IssueToken(ctx context.Context, actor redemption.Actor, id string) (redemption.IssuedToken, error)
}

// Points отдаёт баланс и журнал.
type Points interface {
	Balance(ctx context.Context, userID int64) (ledger.Balance, error)
	Transactions(ctx context.Context, userID int64) ([]model.PointTransaction, error)
}

// Streaks начисляет ежедневные баллы.
type Streaks interface {
	AwardDaily(ctx context.Context, userID int64) (ledger.Award, error)
}

// Verifier проверяет ввод на точке выдачи.
type Verifier interface {
	Verify(ctx context.Context, raw string, staffID int64) gateway.Result
}

// Services собирает зависимости обработчиков.
type Services struct {
	Redemptions Redemptions
	Points      Points
	Streaks     Streaks
	Verifier    Verifier
}

// Handler реализует HTTP-обработчики API сервиса наград.
type Handler struct {
	redemptions    Redemptions
	points         Points
	streaks        Streaks
	verifier       Verifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Services, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		redemptions:    s.Redemptions,
		points:         s.Points,
		streaks:        s.Streaks,
		verifier:       s.Verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case apperr.KindOutOfStock, apperr.KindRewardNotAvailable,
		apperr.KindAlreadyVerified, apperr.KindCancelled, apperr.KindExpired,
		apperr.KindInvalidState, apperr.KindReferenceConflict:
		return http.StatusConflict
	case apperr.KindNotEligible:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindSignatureInvalid, apperr.KindTamperedPayload:
		return http.StatusUnprocessableEntity
	case apperr.KindMalformedToken:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: kind, Message: apperr.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorFrom(r *http.Request) (redemption.Actor, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		return redemption.Actor{}, false
	}
	role, _ := middleware.GetRoleFromContext(r.Context())
	return redemption.Actor{UserID: userID, Role: role}, true
}

type redemptionResponse struct {
	ID             string     `json:"id"`
	RewardID       int64      `json:"reward_id"`
	PointsSpent    int64      `json:"points_spent"`
	Code           string     `json:"code"`
	Status         string     `json:"status"`
	CreatedAt      string     `json:"created_at"`
	ExpiresAt      *string    `json:"expires_at,omitempty"`
	VerifiedAt     *string    `json:"verified_at,omitempty"`
	CancelledAt    *string    `json:"cancelled_at,omitempty"`
	Balance        *int64     `json:"balance,omitempty"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toRedemptionResponse(r *model.Redemption) redemptionResponse {
	return redemptionResponse{
		ID:          r.ID,
		RewardID:    r.RewardID,
		PointsSpent: r.PointsSpent,
		Code:        r.Code,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   formatTime(r.ExpiresAt),
		VerifiedAt:  formatTime(r.VerifiedAt),
		CancelledAt: formatTime(r.CancelledAt),
	}
}

type createRedemptionRequest struct {
	RewardID int64 `json:"reward_id"`
}

// CreateRedemption обменивает баллы текущего пользователя на награду.
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RewardID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > 128 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.redemptions.Create(r.Context(), redemption.CreateRequest{
		UserID:         actor.UserID,
		RewardID:       req.RewardID,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, "create redemption", err, zap.Int64("userID", actor.UserID), zap.Int64("rewardID", req.RewardID))
		return
	}

	resp := toRedemptionResponse(&res.Redemption)
	resp.Balance = &res.Balance
	if res.Token.Token != "" {
		resp.Token = res.Token.Token
		resp.TokenExpiresAt = &res.Token.ExpiresAt
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// GetRedemptions возвращает заявки текущего пользователя.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	recs, err := h.redemptions.List(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, "list redemptions", err, zap.Int64("userID", actor.UserID))
		return
	}

	if len(recs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(recs))
	for i := range recs {
		resp = append(resp, toRedemptionResponse(&recs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRedemption возвращает заявку владельцу или сотруднику.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.redemptions.Get(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, "get redemption", err, zap.String("redemptionID", id))
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionResponse(rec))
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken выпускает новый подписанный токен для показа QR-кода.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	tok, err := h.redemptions.IssueToken(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, "issue token", err, zap.String("redemptionID", id))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
}

type cancelRequest struct {
	RedemptionID string `json:"redemption_id"`
}

type cancelResponse struct {
	RedemptionID string `json:"redemption_id"`
	Refunded     int64  `json:"refunded"`
	Balance      int64  `json:"balance"`
}

// CancelRedemption отменяет заявку и возвращает баллы.
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RedemptionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.redemptions.Cancel(r.Context(), actor, req.RedemptionID)
	if err != nil {
		h.writeError(w, "cancel redemption", err, zap.String("redemptionID", req.RedemptionID))
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		RedemptionID: res.Redemption.ID,
		Refunded:     res.Refunded,
		Balance:      res.Balance,
	})
}

type verifyRequest struct {
	Input string `json:"input"`
}

// Verify принимает строку со сканера или ручной ввод сотрудника.
// Принимает JSON {"input": ...} либо text/plain.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	staffID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxVerifyInput+1))
	if err != nil || len(body) > maxVerifyInput {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	input := string(body)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req verifyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		input = req.Input
	}

	res := h.verifier.Verify(r.Context(), input, staffID)

	status := http.StatusOK
	if res.Kind == apperr.KindInternal {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

type balanceResponse struct {
	Current    int64 `json:"current"`
	Reconciled bool  `json:"reconciled"`
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	b, err := h.points.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get balance", err, zap.Int64("userID", userID))
		return
	}
	if !b.Reconciled {
		h.logger.Error("balance does not match ledger",
			zap.Int64("userID", userID), zap.Int64("balance", b.Current), zap.Int64("ledger", b.LedgerSum))
	}
	writeJSON(w, http.StatusOK, balanceResponse{Current: b.Current, Reconciled: b.Reconciled})
}

type transactionResponse struct {
	ID           int64   `json:"id"`
	Amount       int64   `json:"amount"`
	Type         string  `json:"type"`
	Reference    string  `json:"reference"`
	RedemptionID *string `json:"redemption_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// GetTransactions возвращает журнал операций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txs, err := h.points.Transactions(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get transactions", err, zap.Int64("userID", userID))
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, transactionResponse{
			ID:           t.ID,
			Amount:       t.Amount,
			Type:         string(t.Type),
			Reference:    t.Reference,
			RedemptionID: t.RedemptionID,
			CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AwardDaily начисляет баллы за ежедневную активность.
func (h *Handler) AwardDaily(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	award, err := h.streaks.AwardDaily(r.Context(), userID)
	if err != nil {
		h.writeError(w, "award daily", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, award)
}
