// Package model содержит доменные сущности сервиса обмена баллов на награды.
package model

import "time"

// Role определяет роль пользователя и влияет на доступные ему операции.
type Role string

const (
	RoleStudent   Role = "student"
	RoleStaff     Role = "staff"
	RoleAdmin     Role = "admin"
	RoleSuspended Role = "suspended"
)

// CanRedeem сообщает, может ли пользователь с этой ролью обменивать баллы.
func (r Role) CanRedeem() bool {
	switch r {
	case RoleStudent, RoleStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsStaff сообщает, может ли роль подтверждать выдачу наград на точке выдачи.
func (r Role) IsStaff() bool {
	return r == RoleStaff || r == RoleAdmin
}

// User представляет владельца бонусного счёта.
type User struct {
	ID     int64
	Name   string
	Role   Role
	Points int64
}

// Reward описывает награду из каталога. Stock == nil означает неограниченный остаток.
type Reward struct {
	ID         int64
	Name       string
	Cost       int64
	Stock      *int64
	Active     bool
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// AvailableAt сообщает, доступна ли награда для обмена в момент now.
func (r *Reward) AvailableAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !now.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// InStock сообщает, остались ли единицы награды.
func (r *Reward) InStock() bool {
	return r.Stock == nil || *r.Stock > 0
}

// RedemptionStatus описывает состояние заявки на получение награды.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionVerified  RedemptionStatus = "verified"
	RedemptionCancelled RedemptionStatus = "cancelled"
	RedemptionExpired   RedemptionStatus = "expired"
)

// Terminal сообщает, является ли состояние конечным.
func (s RedemptionStatus) Terminal() bool {
	return s != RedemptionPending
}

// Redemption описывает заявку пользователя на одну единицу награды, оплаченную баллами.
type Redemption struct {
	ID             string
	UserID         int64
	RewardID       int64
	PointsSpent    int64
	Code           string
	Status         RedemptionStatus
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	VerifiedAt     *time.Time
	VerifiedBy     *int64
	CancelledAt    *time.Time
}

// ExpiredAt сообщает, истёк ли срок действия заявки к моменту now.
func (r *Redemption) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// TransactionType описывает вид движения баллов.
type TransactionType string

const (
	TxRedemptionDebit TransactionType = "redemption_debit"
	TxRefundCredit    TransactionType = "refund_credit"
	TxStreakCredit    TransactionType = "streak_credit"
)

// PointTransaction хранит неизменяемую запись журнала баллов.
// Amount положителен для начисления и отрицателен для списания.
type PointTransaction struct {
	ID           int64
	UserID       int64
	Amount       int64
	Type         TransactionType
	Reference    string
	RedemptionID *string
	CreatedAt    time.Time
}

// Streak хранит серию последовательных дней начисления баллов.
type Streak struct {
	UserID  int64
	Current int
	LastDay time.Time
}

// AuditEvent описывает структурированное событие журнала аудита.
type AuditEvent struct {
	Type         string            `json:"type"`
	RedemptionID string            `json:"redemption_id,omitempty"`
	UserID       int64             `json:"user_id,omitempty"`
	ActorID      int64             `json:"actor_id,omitempty"`
	Security     bool              `json:"security,omitempty"`
	Message      string            `json:"message,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	At           time.Time         `json:"at"`
}
