package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/service"
)

type serviceRequest struct {
	Name                 string          `json:"name"`
	Category             string          `json:"category"`
	Description          string          `json:"description"`
	PricePer1000         decimal.Decimal `json:"price_per_1000"`
	EstimatedProcessTime string          `json:"estimated_process_time"`
	Tag                  string          `json:"tag"`
}

func (req serviceRequest) input() service.ServiceInput {
	return service.ServiceInput{
		Name:                 req.Name,
		Category:             req.Category,
		Description:          req.Description,
		PricePer1000:         req.PricePer1000,
		EstimatedProcessTime: req.EstimatedProcessTime,
		Tag:                  req.Tag,
	}
}

// CreateService добавляет услугу в каталог.
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}

	created, err := h.service.CreateService(r.Context(), principal(r), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// UpdateService обновляет услугу каталога.
func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeBadRequest(w, "invalid service id")
		return
	}

	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}

	updated, err := h.service.UpdateService(r.Context(), principal(r), id, req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteService удаляет услугу каталога.
func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeBadRequest(w, "invalid service id")
		return
	}

	if err := h.service.DeleteService(r.Context(), principal(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListAllOrders возвращает страницу заказов всех пользователей.
func (h *Handler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "invalid page")
			return
		}
		page = n
	}

	orders, err := h.service.ListAllOrders(r.Context(), principal(r), model.OrderStatus(r.URL.Query().Get("status")), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderListResponse(orders))
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

// ChangeOrderStatus переводит заказ в новый статус.
func (h *Handler) ChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}

	o, err := h.service.ChangeOrderStatus(r.Context(), principal(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(*o))
}

// DeleteOrder удаляет незавершённый заказ с возвратом средств владельцу.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.DeleteOrder(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Balance string `json:"balance"`
	}{Balance: money(balance)})
}

type fundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// FundWallet зачисляет сумму на кошелёк пользователя.
func (h *Handler) FundWallet(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}

	wallet, err := h.service.FundWallet(r.Context(), principal(r), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{UserID: wallet.UserID, Balance: money(wallet.Balance)})
}

// Stats возвращает сводные показатели консоли администратора.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Wallets:     st.Wallets,
		Services:    st.Services,
		Pending:     st.Pending,
		Processing:  st.Processing,
		Completed:   st.Completed,
		Revenue:     money(st.Revenue),
		Outstanding: money(st.Outstanding),
	})
}
