// Package service реализует бизнес-логику леджера заказов и кошельков.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	WithTx(ctx context.Context, fn func(repository.Tx) error) error

	GetService(ctx context.Context, id int64) (*model.Service, error)
	ListServices(ctx context.Context, f model.ServiceFilter) ([]model.Service, error)
	CreateService(ctx context.Context, s model.Service) (*model.Service, error)
	UpdateService(ctx context.Context, s model.Service) (*model.Service, error)
	DeleteService(ctx context.Context, id int64) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)

	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	GetWalletEntries(ctx context.Context, userID string) ([]model.WalletEntry, error)
	GetStats(ctx context.Context) (*model.Stats, error)

	GetPendingEvents(ctx context.Context, limit int) ([]model.OrderEvent, error)
	MarkEventDelivered(ctx context.Context, id string) error
}

// Notifier доставляет события по заказам во внешний приёмник.
type Notifier interface {
	Deliver(ctx context.Context, event model.OrderEvent) (int, time.Duration, error)
}

// Service содержит бизнес-логику леджера.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger

	now         func() time.Time
	newOrderID  func() string
	newEventID  func() string
	dispatchGap time.Duration
}

// NewService создаёт сервис с указанным репозиторием и приёмником уведомлений.
// notifier может быть nil: тогда события остаются в outbox.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		newOrderID:  uuid.NewString,
		newEventID:  func() string { return ulid.Make().String() },
		dispatchGap: time.Second,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) event(o model.Order, typ model.OrderEventType) model.OrderEvent {
	return model.OrderEvent{
		ID:        s.newEventID(),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Type:      typ,
		Status:    o.Status,
		Total:     o.Total,
		CreatedAt: s.now(),
	}
}
