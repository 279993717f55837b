// Package handler содержит HTTP-обработчики API сервиса growthmart.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/growthmart/internal/middleware"
	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ListServices(ctx context.Context, p model.Principal, f model.ServiceFilter) ([]model.Service, error)
	GetService(ctx context.Context, p model.Principal, id int64) (*model.Service, error)
	CreateService(ctx context.Context, p model.Principal, in service.ServiceInput) (*model.Service, error)
	UpdateService(ctx context.Context, p model.Principal, id int64, in service.ServiceInput) (*model.Service, error)
	DeleteService(ctx context.Context, p model.Principal, id int64) error

	PlaceOrder(ctx context.Context, p model.Principal, in service.PlaceOrderInput) (*service.OrderResult, error)
	EditOrder(ctx context.Context, p model.Principal, orderID string, in service.EditOrderInput) (*service.OrderResult, error)
	GetOrder(ctx context.Context, p model.Principal, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, p model.Principal) ([]model.Order, error)

	GetWallet(ctx context.Context, p model.Principal) (*model.Wallet, error)
	ListWalletEntries(ctx context.Context, p model.Principal) ([]model.WalletEntry, error)

	ChangeOrderStatus(ctx context.Context, p model.Principal, orderID string, target model.OrderStatus) (*model.Order, error)
	DeleteOrder(ctx context.Context, p model.Principal, orderID string) (decimal.Decimal, error)
	ListAllOrders(ctx context.Context, p model.Principal, status model.OrderStatus, page int) ([]model.Order, error)
	FundWallet(ctx context.Context, p model.Principal, userID string, amount decimal.Decimal) (*model.Wallet, error)
	Stats(ctx context.Context, p model.Principal) (*model.Stats, error)
}

// Handler реализует HTTP-обработчики API сервиса growthmart.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	corsOrigins    []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, corsOrigins []string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		corsOrigins:    corsOrigins,
	}
}

// ErrorResponse описывает тело ответа с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменную ошибку в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case model.IsRetryable(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		writeJSON(w, status, ErrorResponse{Error: http.StatusText(status)})
		return
	}

	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Details: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: http.StatusText(http.StatusBadRequest), Details: details})
}

func principal(r *http.Request) model.Principal {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p
}

func int64Param(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

type orderResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ServiceID int64  `json:"service_id"`
	Quantity  int64  `json:"quantity"`
	TargetURL string `json:"target_url"`
	Notes     string `json:"notes,omitempty"`
	Total     string `json:"total"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func newOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		ServiceID: o.ServiceID,
		Quantity:  o.Quantity,
		TargetURL: o.TargetURL,
		Notes:     o.Notes,
		Total:     money(o.Total),
		Status:    string(o.Status),
		Version:   o.Version,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		UpdatedAt: o.UpdatedAt.Format(time.RFC3339),
	}
}

func newOrderListResponse(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, newOrderResponse(o))
	}
	return resp
}

type orderResultResponse struct {
	Order    orderResponse `json:"order"`
	Balance  string        `json:"balance"`
	Replayed bool          `json:"replayed,omitempty"`
}

type walletResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

type walletEntryResponse struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	OrderID      string `json:"order_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type statsResponse struct {
	Wallets     int64  `json:"wallets"`
	Services    int64  `json:"services"`
	Pending     int64  `json:"pending_review"`
	Processing  int64  `json:"processing"`
	Completed   int64  `json:"completed"`
	Revenue     string `json:"revenue"`
	Outstanding string `json:"outstanding"`
}
