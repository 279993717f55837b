// Package model содержит доменные сущности сервиса growthmart.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль субъекта, выданную провайдером идентификации.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal описывает аутентифицированного субъекта запроса.
// Передаётся в каждую операцию явно, глобального "текущего пользователя" нет.
type Principal struct {
	UserID string
	Role   Role
	Banned bool
}

// Active сообщает, обладает ли субъект хоть какими-то правами.
func (p Principal) Active() bool {
	return p.UserID != "" && !p.Banned
}

// IsAdmin сообщает, является ли субъект активным администратором.
func (p Principal) IsAdmin() bool {
	return p.Active() && p.Role == RoleAdmin
}

// Service описывает услугу каталога.
type Service struct {
	ID                   int64           `json:"id"`
	Name                 string          `json:"name"`
	Category             string          `json:"category"`
	Description          string          `json:"description,omitempty"`
	PricePer1000         decimal.Decimal `json:"price_per_1000"`
	EstimatedProcessTime string          `json:"estimated_process_time"`
	Tag                  string          `json:"tag,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPendingReview OrderStatus = "pending_review"
	OrderStatusProcessing    OrderStatus = "processing"
	OrderStatusCompleted     OrderStatus = "completed"
)

// Valid сообщает, является ли статус одним из известных.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingReview, OrderStatusProcessing, OrderStatusCompleted:
		return true
	}
	return false
}

// Order описывает заказ пользователя.
type Order struct {
	ID             string
	UserID         string
	ServiceID      int64
	Quantity       int64
	TargetURL      string
	Notes          string
	Total          decimal.Decimal
	Status         OrderStatus
	IdempotencyKey string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Wallet содержит баланс пользователя.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EntryKind описывает причину движения средств по кошельку.
type EntryKind string

const (
	EntryFund       EntryKind = "fund"
	EntryOrderDebit EntryKind = "order_debit"
	EntryEditDebit  EntryKind = "edit_debit"
	EntryEditCredit EntryKind = "edit_credit"
	EntryRefund     EntryKind = "refund"
)

// WalletEntry описывает запись журнала движений кошелька.
// Amount отрицателен, когда средства уходят с кошелька.
type WalletEntry struct {
	ID           int64
	UserID       string
	Kind         EntryKind
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	OrderID      string
	CreatedAt    time.Time
}

// OrderEventType описывает тип события по заказу.
type OrderEventType string

const (
	EventOrderCreated       OrderEventType = "order.created"
	EventOrderEdited        OrderEventType = "order.edited"
	EventOrderStatusChanged OrderEventType = "order.status.changed"
	EventOrderDeleted       OrderEventType = "order.deleted"
)

// OrderEvent описывает событие, сохраняемое в outbox вместе с изменением заказа.
type OrderEvent struct {
	ID          string
	OrderID     string
	UserID      string
	Type        OrderEventType
	Status      OrderStatus
	Total       decimal.Decimal
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// ServiceFilter задаёт выборку каталога: точное совпадение категории
// и поиск подстроки в названии или описании без учёта регистра.
type ServiceFilter struct {
	Category string
	Search   string
}

// OrderFilter задаёт выборку заказов для консоли администратора.
type OrderFilter struct {
	Status OrderStatus
	Limit  int
	Offset int
}

// Stats содержит сводные показатели для консоли администратора.
type Stats struct {
	Wallets     int64           `json:"wallets"`
	Services    int64           `json:"services"`
	Pending     int64           `json:"pending_review"`
	Processing  int64           `json:"processing"`
	Completed   int64           `json:"completed"`
	Revenue     decimal.Decimal `json:"revenue"`
	Outstanding decimal.Decimal `json:"outstanding"`
}
