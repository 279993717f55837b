package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput возвращается при некорректных входных данных (количество, ссылка, сумма).
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound возвращается, если услуга, заказ или кошелёк не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds возвращается, если баланса кошелька не хватает для списания.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidTransition возвращается при нарушении правил жизненного цикла заказа.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict возвращается, если сохранённое состояние не совпало с ожидаемым.
	ErrConflict = errors.New("conflict")
	// ErrForbidden возвращается, если у субъекта нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrUnavailable возвращается при временной недоступности хранилища.
	ErrUnavailable = errors.New("store unavailable")

	// ErrDuplicateOrder возвращается хранилищем при повторной вставке заказа с тем же ключом идемпотентности.
	ErrDuplicateOrder = errors.New("duplicate idempotency key")
)

// InsufficientFundsError содержит подробности нехватки средств.
type InsufficientFundsError struct {
	UserID    string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IsRetryable сообщает, имеет ли смысл автоматически повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
