package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/growthmart/internal/model"
)

// Tx описывает атомарные примитивы леджера, доступные внутри одной транзакции хранилища.
// Все изменения, сделанные через Tx, фиксируются вместе или не фиксируются вовсе.
//
// Порядок блокировок внутри транзакции: сначала кошелёк (Debit), затем заказ (WriteOrder/DeleteOrder).
type Tx interface {
	// Debit уменьшает баланс кошелька на amount и возвращает новый баланс.
	// Отрицательный amount означает зачисление. При amount > 0 и нехватке средств
	// возвращается *model.InsufficientFundsError. Кошелёк создаётся при первом обращении.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, orderID string) (decimal.Decimal, error)

	// WriteOrder вставляет заказ (prior == nil) или обновляет его, если сохранённые
	// статус и версия совпадают с prior. Иначе возвращается model.ErrConflict.
	WriteOrder(ctx context.Context, order model.Order, prior *model.Order) error

	// DeleteOrder удаляет заказ, если сохранённые статус и версия совпадают с prior.
	DeleteOrder(ctx context.Context, prior model.Order) error

	// OrderByIdempotencyKey ищет заказ пользователя по ключу идемпотентности.
	OrderByIdempotencyKey(ctx context.Context, userID, key string) (*model.Order, error)

	// AppendEvent сохраняет событие по заказу в outbox.
	AppendEvent(ctx context.Context, event model.OrderEvent) error
}

// RetryPolicy ограничивает повторы транзакции при временных ошибках хранилища.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy возвращает политику повторов по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
	}
}

// withRetry выполняет fn, повторяя её только при временных ошибках.
// После исчерпания попыток возвращает ошибку, обёрнутую в model.ErrUnavailable.
func withRetry(ctx context.Context, policy RetryPolicy, transient func(error) bool, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !transient(err) {
			return err
		}

		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(policy.BaseDelay << i)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
