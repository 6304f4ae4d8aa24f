package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

type cancelResp struct {
	OrderNumber   string               `json:"order_number"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.orders.List(r.Context(), id.UserID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// loadOrder resolves the path's order for the caller. Orders of other users
// look missing unless the caller may fulfil orders.
func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	id, _ := identityFrom(r.Context())

	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if order.UserID != id.UserID && !id.Can(PermFulfilOrders) {
		h.fail(w, r, database.ErrOrderNotFound)
		return nil, false
	}
	return order, true
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	history, err := h.orders.History(r.Context(), order.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	id, _ := identityFrom(r.Context())

	res, err := h.payments.CancelPending(r.Context(), order.ID, id.Actor())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{
		OrderNumber:   order.OrderNumber,
		Status:        res.OrderStatus,
		PaymentStatus: res.Transaction.Status,
	})
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	order, err := h.orders.Ship(r.Context(), chi.URLParam(r, "orderNumber"), id.Actor())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	order, err := h.orders.Deliver(r.Context(), chi.URLParam(r, "orderNumber"), id.Actor())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
