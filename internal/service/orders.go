package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/pricing"
	"github.com/mmeshcher/growthmart/internal/repository"
	"github.com/mmeshcher/growthmart/internal/validation"
)

// PlaceOrderInput описывает запрос на размещение заказа.
type PlaceOrderInput struct {
	ServiceID      int64
	Quantity       int64
	TargetURL      string
	Notes          string
	IdempotencyKey string
}

// EditOrderInput описывает изменение заказа. nil означает, что поле не меняется.
type EditOrderInput struct {
	Quantity  *int64
	TargetURL *string
	Notes     *string
}

// OrderResult описывает итог операции над заказом.
type OrderResult struct {
	Order    model.Order
	Balance  decimal.Decimal
	Replayed bool
}

func validateOrderFields(quantity int64, targetURL, notes string) error {
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be a positive integer", model.ErrInvalidInput)
	}
	if !validation.IsValidTargetURL(targetURL) {
		return fmt.Errorf("%w: target url must be an absolute http(s) url", model.ErrInvalidInput)
	}
	if !validation.IsValidNotes(notes) {
		return fmt.Errorf("%w: notes are too long", model.ErrInvalidInput)
	}
	return nil
}

// PlaceOrder размещает заказ и списывает его стоимость с кошелька одной транзакцией.
// Повтор с тем же ключом идемпотентности возвращает ранее созданный заказ без повторного списания.
func (s *Service) PlaceOrder(ctx context.Context, p model.Principal, in PlaceOrderInput) (*OrderResult, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}
	if err := validateOrderFields(in.Quantity, in.TargetURL, in.Notes); err != nil {
		return nil, err
	}

	svc, err := s.repo.GetService(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}

	total, err := pricing.Price(*svc, in.Quantity)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := model.Order{
		ID:             s.newOrderID(),
		UserID:         p.UserID,
		ServiceID:      svc.ID,
		Quantity:       in.Quantity,
		TargetURL:      in.TargetURL,
		Notes:          in.Notes,
		Total:          total,
		Status:         model.OrderStatusPendingReview,
		IdempotencyKey: in.IdempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var res OrderResult
	place := func(tx repository.Tx) error {
		res = OrderResult{}

		if in.IdempotencyKey != "" {
			existing, err := tx.OrderByIdempotencyKey(ctx, p.UserID, in.IdempotencyKey)
			switch {
			case err == nil:
				if !samePlacement(*existing, in) {
					return fmt.Errorf("%w: idempotency key reused with different parameters", model.ErrConflict)
				}
				balance, err := tx.Debit(ctx, p.UserID, decimal.Zero, model.EntryOrderDebit, existing.ID)
				if err != nil {
					return err
				}
				res = OrderResult{Order: *existing, Balance: balance, Replayed: true}
				return nil
			case !errors.Is(err, model.ErrNotFound):
				return err
			}
		}

		balance, err := tx.Debit(ctx, p.UserID, total, model.EntryOrderDebit, order.ID)
		if err != nil {
			return err
		}
		if err := tx.WriteOrder(ctx, order, nil); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, s.event(order, model.EventOrderCreated)); err != nil {
			return err
		}

		res = OrderResult{Order: order, Balance: balance}
		return nil
	}

	err = s.repo.WithTx(ctx, place)
	if errors.Is(err, model.ErrDuplicateOrder) {
		// Параллельный запрос с тем же ключом успел зафиксироваться первым.
		err = s.repo.WithTx(ctx, place)
	}
	if err != nil {
		return nil, err
	}

	if res.Replayed {
		s.logger.Info("order placement replayed",
			zap.String("order_id", res.Order.ID),
			zap.String("user_id", p.UserID),
		)
	} else {
		s.logger.Info("order placed",
			zap.String("order_id", res.Order.ID),
			zap.String("user_id", p.UserID),
			zap.String("total", res.Order.Total.StringFixed(2)),
		)
	}

	return &res, nil
}

func samePlacement(o model.Order, in PlaceOrderInput) bool {
	return o.ServiceID == in.ServiceID &&
		o.Quantity == in.Quantity &&
		o.TargetURL == in.TargetURL &&
		o.Notes == in.Notes
}

// EditOrder изменяет заказ в статусе pending_review и пересчитывает его стоимость
// по текущей цене услуги. Разница списывается с кошелька или возвращается на него
// в той же транзакции, что и изменение заказа.
func (s *Service) EditOrder(ctx context.Context, p model.Principal, orderID string, in EditOrderInput) (*OrderResult, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}

	prior, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if prior.UserID != p.UserID {
		return nil, model.ErrForbidden
	}
	if prior.Status != model.OrderStatusPendingReview {
		return nil, fmt.Errorf("%w: order in status %s cannot be edited", model.ErrInvalidTransition, prior.Status)
	}

	updated := *prior
	if in.Quantity != nil {
		updated.Quantity = *in.Quantity
	}
	if in.TargetURL != nil {
		updated.TargetURL = *in.TargetURL
	}
	if in.Notes != nil {
		updated.Notes = *in.Notes
	}
	if err := validateOrderFields(updated.Quantity, updated.TargetURL, updated.Notes); err != nil {
		return nil, err
	}

	svc, err := s.repo.GetService(ctx, prior.ServiceID)
	if err != nil {
		return nil, err
	}

	newTotal, err := pricing.Price(*svc, updated.Quantity)
	if err != nil {
		return nil, err
	}

	delta := newTotal.Sub(prior.Total)
	updated.Total = newTotal
	updated.Version = prior.Version + 1
	updated.UpdatedAt = s.now()

	var balance decimal.Decimal
	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		kind := model.EntryEditDebit
		if delta.IsNegative() {
			kind = model.EntryEditCredit
		}

		b, err := tx.Debit(ctx, prior.UserID, delta, kind, prior.ID)
		if err != nil {
			return err
		}
		if err := tx.WriteOrder(ctx, updated, prior); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, s.event(updated, model.EventOrderEdited)); err != nil {
			return err
		}

		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order edited",
		zap.String("order_id", updated.ID),
		zap.String("user_id", updated.UserID),
		zap.String("delta", delta.StringFixed(2)),
	)

	return &OrderResult{Order: updated, Balance: balance}, nil
}

// GetOrder возвращает заказ его владельцу или администратору.
func (s *Service) GetOrder(ctx context.Context, p model.Principal, orderID string) (*model.Order, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != p.UserID && !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	return o, nil
}

// ListOrders возвращает заказы субъекта, начиная с новых.
func (s *Service) ListOrders(ctx context.Context, p model.Principal) ([]model.Order, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}
	return s.repo.GetOrdersByUser(ctx, p.UserID)
}
