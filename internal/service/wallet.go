package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/pricing"
	"github.com/mmeshcher/growthmart/internal/repository"
)

// GetWallet возвращает кошелёк субъекта. Отсутствующий кошелёк отдаётся с нулевым балансом.
func (s *Service) GetWallet(ctx context.Context, p model.Principal) (*model.Wallet, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}

	w, err := s.repo.GetWallet(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &model.Wallet{UserID: p.UserID, Balance: decimal.Zero}, nil
		}
		return nil, err
	}
	return w, nil
}

// ListWalletEntries возвращает журнал движений кошелька субъекта, начиная с новых.
func (s *Service) ListWalletEntries(ctx context.Context, p model.Principal) ([]model.WalletEntry, error) {
	if !p.Active() {
		return nil, model.ErrForbidden
	}
	return s.repo.GetWalletEntries(ctx, p.UserID)
}

// FundWallet зачисляет сумму на кошелёк пользователя. Доступно только администратору.
func (s *Service) FundWallet(ctx context.Context, p model.Principal, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if !p.IsAdmin() {
		return nil, model.ErrForbidden
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidInput)
	}
	if err := pricing.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		b, err := tx.Debit(ctx, userID, amount.Neg(), model.EntryFund, "")
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet funded",
		zap.String("user_id", userID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("admin_id", p.UserID),
	)

	return &model.Wallet{UserID: userID, Balance: balance, UpdatedAt: s.now()}, nil
}
