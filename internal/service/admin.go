package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/pricing"
	"github.com/mmeshcher/growthmart/internal/repository"
)

// DefaultPageSize задаёт размер страницы списка заказов в консоли администратора.
const DefaultPageSize = 10

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPendingReview: {model.OrderStatusProcessing},
	model.OrderStatusProcessing:    {model.OrderStatusCompleted, model.OrderStatusPendingReview},
}

// CanTransition сообщает, разрешён ли переход заказа из статуса from в статус to.
func CanTransition(from, to model.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChangeOrderStatus переводит заказ в новый статус. Доступно только администратору.
func (s *Service) ChangeOrderStatus(ctx context.Context, p model.Principal, orderID string, target model.OrderStatus) (*model.Order, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, target)
	}

	prior, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(prior.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, prior.Status, target)
	}

	updated := *prior
	updated.Status = target
	updated.Version = prior.Version + 1
	updated.UpdatedAt = s.now()

	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.WriteOrder(ctx, updated, prior); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(updated, model.EventOrderStatusChanged))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status changed",
		zap.String("order_id", updated.ID),
		zap.String("from", string(prior.Status)),
		zap.String("to", string(target)),
		zap.String("admin_id", p.UserID),
	)

	return &updated, nil
}

// DeleteOrder удаляет незавершённый заказ и возвращает его стоимость на кошелёк владельца.
// Возвращает новый баланс владельца.
func (s *Service) DeleteOrder(ctx context.Context, p model.Principal, orderID string) (decimal.Decimal, error) {
	if !p.IsAdmin() {
		return decimal.Zero, model.ErrForbidden
	}

	prior, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if prior.Status == model.OrderStatusCompleted {
		return decimal.Zero, fmt.Errorf("%w: completed order cannot be deleted", model.ErrInvalidTransition)
	}

	var balance decimal.Decimal
	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		b, err := tx.Debit(ctx, prior.UserID, prior.Total.Neg(), model.EntryRefund, prior.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteOrder(ctx, *prior); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, s.event(*prior, model.EventOrderDeleted)); err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Info("order deleted",
		zap.String("order_id", prior.ID),
		zap.String("user_id", prior.UserID),
		zap.String("refund", prior.Total.StringFixed(2)),
		zap.String("admin_id", p.UserID),
	)

	return balance, nil
}

// ListAllOrders возвращает страницу заказов всех пользователей. Страницы нумеруются с 1.
func (s *Service) ListAllOrders(ctx context.Context, p model.Principal, status model.OrderStatus, page int) ([]model.Order, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
	}
	if page < 1 {
		page = 1
	}

	return s.repo.ListOrders(ctx, model.OrderFilter{
		Status: status,
		Limit:  DefaultPageSize,
		Offset: (page - 1) * DefaultPageSize,
	})
}

// Stats возвращает сводные показатели для консоли администратора.
func (s *Service) Stats(ctx context.Context, p model.Principal) (*model.Stats, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	return s.repo.GetStats(ctx)
}

// ServiceInput описывает поля услуги каталога, задаваемые администратором.
type ServiceInput struct {
	Name                 string
	Category             string
	Description          string
	PricePer1000         decimal.Decimal
	EstimatedProcessTime string
	Tag                  string
}

func (in ServiceInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: service name is required", model.ErrInvalidInput)
	}
	return pricing.ValidatePrice(in.PricePer1000)
}

func (in ServiceInput) toModel(id int64) model.Service {
	return model.Service{
		ID:                   id,
		Name:                 strings.TrimSpace(in.Name),
		Category:             strings.TrimSpace(in.Category),
		Description:          in.Description,
		PricePer1000:         in.PricePer1000,
		EstimatedProcessTime: in.EstimatedProcessTime,
		Tag:                  in.Tag,
	}
}

// ListServices возвращает каталог услуг. Категория "All" равнозначна пустой.
func (s *Service) ListServices(ctx context.Context, p model.Principal, f model.ServiceFilter) ([]model.Service, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}
	f.Category = strings.TrimSpace(f.Category)
	if strings.EqualFold(f.Category, "all") {
		f.Category = ""
	}
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.ListServices(ctx, f)
}

// GetService возвращает услугу каталога.
func (s *Service) GetService(ctx context.Context, p model.Principal, id int64) (*model.Service, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}
	return s.repo.GetService(ctx, id)
}

// CreateService добавляет услугу в каталог.
func (s *Service) CreateService(ctx context.Context, p model.Principal, in ServiceInput) (*model.Service, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	created, err := s.repo.CreateService(ctx, in.toModel(0))
	if err != nil {
		return nil, err
	}

	s.logger.Info("service created", zap.Int64("service_id", created.ID), zap.String("admin_id", p.UserID))
	return created, nil
}

// UpdateService обновляет услугу каталога. Суммы существующих заказов не меняются.
func (s *Service) UpdateService(ctx context.Context, p model.Principal, id int64, in ServiceInput) (*model.Service, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateService(ctx, in.toModel(id))
	if err != nil {
		return nil, err
	}

	s.logger.Info("service updated", zap.Int64("service_id", id), zap.String("admin_id", p.UserID))
	return updated, nil
}

// DeleteService удаляет услугу каталога, на которую не ссылаются заказы.
func (s *Service) DeleteService(ctx context.Context, p model.Principal, id int64) error {
	if !p.IsAdmin() {
		return model.ErrForbidden
	}
	if err := s.repo.DeleteService(ctx, id); err != nil {
		return err
	}

	s.logger.Info("service deleted", zap.Int64("service_id", id), zap.String("admin_id", p.UserID))
	return nil
}
