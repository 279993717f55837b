package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/service"
)

// maxIdempotencyKeyLength ограничивает длину заголовка Idempotency-Key.
const maxIdempotencyKeyLength = 128

// ListServices возвращает каталог услуг. Параметры category и q сужают выборку.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ListServices(r.Context(), principal(r), model.ServiceFilter{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("q"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(services) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, services)
}

// GetService возвращает услугу каталога.
func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeBadRequest(w, "invalid service id")
		return
	}

	svc, err := h.service.GetService(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, svc)
}

type placeOrderRequest struct {
	ServiceID int64  `json:"service_id"`
	Quantity  int64  `json:"quantity"`
	TargetURL string `json:"target_url"`
	Notes     string `json:"notes"`
}

// PlaceOrder размещает заказ текущего пользователя. Заголовок Idempotency-Key защищает от повторного списания.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLength {
		writeBadRequest(w, "idempotency key is too long")
		return
	}

	res, err := h.service.PlaceOrder(r.Context(), principal(r), service.PlaceOrderInput{
		ServiceID:      req.ServiceID,
		Quantity:       req.Quantity,
		TargetURL:      strings.TrimSpace(req.TargetURL),
		Notes:          req.Notes,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}

	writeJSON(w, status, orderResultResponse{
		Order:    newOrderResponse(res.Order),
		Balance:  money(res.Balance),
		Replayed: res.Replayed,
	})
}

type editOrderRequest struct {
	Quantity  *int64  `json:"quantity"`
	TargetURL *string `json:"target_url"`
	Notes     *string `json:"notes"`
}

// EditOrder изменяет заказ текущего пользователя, пока он ожидает проверки.
func (h *Handler) EditOrder(w http.ResponseWriter, r *http.Request) {
	var req editOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	if req.TargetURL != nil {
		trimmed := strings.TrimSpace(*req.TargetURL)
		req.TargetURL = &trimmed
	}

	res, err := h.service.EditOrder(r.Context(), principal(r), chi.URLParam(r, "id"), service.EditOrderInput{
		Quantity:  req.Quantity,
		TargetURL: req.TargetURL,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, orderResultResponse{
		Order:   newOrderResponse(res.Order),
		Balance: money(res.Balance),
	})
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(*o))
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, newOrderListResponse(orders))
}

// GetWallet возвращает баланс текущего пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.GetWallet(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{UserID: wallet.UserID, Balance: money(wallet.Balance)})
}

// ListWalletEntries возвращает журнал движений кошелька текущего пользователя.
func (h *Handler) ListWalletEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListWalletEntries(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]walletEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, walletEntryResponse{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Amount:       money(e.Amount),
			BalanceAfter: money(e.BalanceAfter),
			OrderID:      e.OrderID,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
