// Package pricing рассчитывает стоимость заказа. Пакет не имеет состояния и не обращается к хранилищу.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/growthmart/internal/model"
)

// UnitSize задаёт количество единиц, за которое указана цена услуги.
const UnitSize = 1000

// Scale задаёт число знаков после запятой у денежных сумм.
const Scale = 2

// PriceScale ограничивает число знаков после запятой у цены за 1000 единиц.
const PriceScale = 6

// MaxCents ограничивает модуль любой суммы в копейках, которую можно сохранить.
const MaxCents int64 = 1_000_000_000_000_000

var (
	unit      = decimal.NewFromInt(UnitSize)
	maxAmount = decimal.New(MaxCents, -Scale)
	maxPrice  = decimal.New(1, 12)
)

// Price возвращает стоимость quantity единиц услуги: quantity/1000 * цена за 1000,
// округлённую до копеек по правилу half-up.
func Price(svc model.Service, quantity int64) (decimal.Decimal, error) {
	if quantity <= 0 {
		return decimal.Zero, fmt.Errorf("%w: quantity must be a positive integer, got %d", model.ErrInvalidInput, quantity)
	}
	if svc.PricePer1000.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: service %d has negative price", model.ErrInvalidInput, svc.ID)
	}

	// Умножение до деления сохраняет точность: деление на 1000 в decimal всегда конечное.
	total := decimal.NewFromInt(quantity).Mul(svc.PricePer1000).Div(unit).Round(Scale)
	if total.GreaterThan(maxAmount) {
		return decimal.Zero, fmt.Errorf("%w: order total %s exceeds the limit %s", model.ErrInvalidInput, total, maxAmount)
	}
	return total, nil
}

// ValidateAmount проверяет, что сумма положительна и содержит не больше двух знаков после запятой.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", model.ErrInvalidInput)
	}
	if !amount.Equal(amount.Round(Scale)) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", model.ErrInvalidInput, amount, Scale)
	}
	if amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: amount %s exceeds the limit %s", model.ErrInvalidInput, amount, maxAmount)
	}
	return nil
}

// ValidatePrice проверяет цену услуги за 1000 единиц.
func ValidatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", model.ErrInvalidInput)
	}
	if !price.Equal(price.Round(PriceScale)) {
		return fmt.Errorf("%w: price %s has more than %d decimal places", model.ErrInvalidInput, price, PriceScale)
	}
	if !price.LessThan(maxPrice) {
		return fmt.Errorf("%w: price %s must be less than %s", model.ErrInvalidInput, price, maxPrice)
	}
	return nil
}

// ToCents переводит сумму в копейки для хранения.
// Суммы, модуль которых больше MaxCents копеек, отклоняются с ErrInvalidInput.
func ToCents(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(Scale).Round(0)
	if cents.Abs().GreaterThan(decimal.NewFromInt(MaxCents)) {
		return 0, fmt.Errorf("%w: amount %s is out of range", model.ErrInvalidInput, amount)
	}
	return cents.IntPart(), nil
}

// FromCents переводит сумму из копеек.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Scale)
}
