package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type addItemReq struct {
	BookID   int64 `json:"book_id"`
	Quantity int   `json:"quantity"`
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	cart, err := h.checkout.GetCart(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req addItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cart, err := h.checkout.AddItem(r.Context(), id.UserID, req.BookID, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	bookID, err := strconv.ParseInt(chi.URLParam(r, "bookID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}

	cart, err := h.checkout.RemoveItem(r.Context(), id.UserID, bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}
