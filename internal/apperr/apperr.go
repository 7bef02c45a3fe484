// Package apperr содержит таксономию ошибок обмена и подтверждения наград.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind задаёт машиночитаемую категорию ошибки, возвращаемую клиентам.
type Kind string

const (
	KindNone                Kind = ""
	KindInsufficientBalance Kind = "insufficient_balance"
	KindOutOfStock          Kind = "out_of_stock"
	KindRewardNotAvailable  Kind = "reward_not_available"
	KindNotEligible         Kind = "not_eligible"
	KindNotFound            Kind = "not_found"
	KindAlreadyVerified     Kind = "already_verified"
	KindCancelled           Kind = "cancelled"
	KindExpired             Kind = "expired"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindTamperedPayload     Kind = "tampered_payload"
	KindMalformedToken      Kind = "malformed_token"
	KindInvalidState        Kind = "invalid_state"
	KindReferenceConflict   Kind = "reference_conflict"
	KindInternal            Kind = "internal"
)

var (
	// ErrInsufficientBalance возвращается, если баллов недостаточно для списания.
	ErrInsufficientBalance = &kindError{KindInsufficientBalance, "insufficient balance"}
	// ErrOutOfStock возвращается, если остаток награды исчерпан.
	ErrOutOfStock = &kindError{KindOutOfStock, "reward out of stock"}
	// ErrRewardNotAvailable возвращается для неактивной награды или вне окна действия.
	ErrRewardNotAvailable = &kindError{KindRewardNotAvailable, "reward not available"}
	// ErrNotEligible возвращается, если роль пользователя не допускает операцию.
	ErrNotEligible = &kindError{KindNotEligible, "user not eligible"}
	// ErrNotFound возвращается для неизвестной или чужой заявки, награды, пользователя.
	ErrNotFound = &kindError{KindNotFound, "not found"}
	// ErrAlreadyVerified сопоставляется с AlreadyVerifiedError через errors.Is.
	ErrAlreadyVerified = &kindError{KindAlreadyVerified, "redemption already verified"}
	// ErrCancelled возвращается при попытке выдать отменённую заявку.
	ErrCancelled = &kindError{KindCancelled, "redemption cancelled"}
	// ErrExpired относится и к просроченной заявке, и к просроченному токену.
	ErrExpired = &kindError{KindExpired, "expired"}
	// ErrSignatureInvalid: подпись токена не совпала. Событие безопасности.
	ErrSignatureInvalid = &kindError{KindSignatureInvalid, "token signature invalid"}
	// ErrTamperedPayload: подпись верна, но содержимое не проходит каноническую проверку.
	ErrTamperedPayload = &kindError{KindTamperedPayload, "token payload tampered"}
	// ErrMalformedToken: строка не похожа на подписанный токен.
	ErrMalformedToken = &kindError{KindMalformedToken, "malformed token"}
	// ErrInvalidState возвращается, если заявка уже покинула состояние pending.
	ErrInvalidState = &kindError{KindInvalidState, "redemption not in required state"}
	// ErrReferenceConflict: ссылка уже использована другой операцией.
	ErrReferenceConflict = &kindError{KindReferenceConflict, "reference already used by another operation"}
	// ErrInternal скрывает от клиента сбои хранилища. См. Internal.
	ErrInternal = &kindError{KindInternal, "internal error"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// AlreadyVerifiedError сообщает о повторном сканировании уже выданной награды.
type AlreadyVerifiedError struct {
	RedemptionID string
	VerifiedAt   time.Time
}

// Error включает момент первой выдачи.
func (e *AlreadyVerifiedError) Error() string {
	return fmt.Sprintf("redemption %s already verified at %s", e.RedemptionID, e.VerifiedAt.Format(time.RFC3339))
}

// Is позволяет сравнивать ошибку с ErrAlreadyVerified.
func (e *AlreadyVerifiedError) Is(target error) bool {
	return target == ErrAlreadyVerified
}

// Internal оборачивает ошибку хранилища так, что наружу видна только категория internal.
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrInternal, err))
}

var allKinds = []*kindError{
	ErrInsufficientBalance,
	ErrOutOfStock,
	ErrRewardNotAvailable,
	ErrNotEligible,
	ErrNotFound,
	ErrAlreadyVerified,
	ErrCancelled,
	ErrExpired,
	ErrSignatureInvalid,
	ErrTamperedPayload,
	ErrMalformedToken,
	ErrInvalidState,
	ErrReferenceConflict,
	ErrInternal,
}

// KindOf возвращает категорию ошибки. Неизвестные ошибки считаются внутренними.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k.kind
		}
	}
	return KindInternal
}

// IsSecurity сообщает, относится ли категория к событиям безопасности.
func IsSecurity(k Kind) bool {
	return k == KindSignatureInvalid || k == KindTamperedPayload
}

// Message возвращает сообщение для клиента без деталей хранилища.
func Message(err error) string {
	var av *AlreadyVerifiedError
	if errors.As(err, &av) {
		return av.Error()
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k.msg
		}
	}
	return ErrInternal.msg
}
