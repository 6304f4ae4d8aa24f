package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/idempotency"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	BookID    int64  `json:"book_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// errorResponse maps a service error to a status code and body.
func errorResponse(err error) (int, errorBody) {
	var (
		ise  *database.InsufficientStockError
		cie  *database.CouponInvalidError
		iste *database.IllegalStateTransitionError
	)
	switch {
	case errors.As(err, &ise):
		available := ise.Available
		return http.StatusConflict, errorBody{
			Error:     "insufficient stock",
			BookID:    ise.BookID,
			Requested: ise.Requested,
			Available: &available,
		}
	case errors.As(err, &cie):
		return http.StatusUnprocessableEntity, errorBody{Error: "coupon invalid", Reason: string(cie.Reason)}
	case errors.As(err, &iste):
		return http.StatusConflict, errorBody{Error: "illegal state transition", From: iste.From, To: iste.To}
	case errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrBookNotFound),
		errors.Is(err, database.ErrPaymentNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.Is(err, database.ErrEmptyCart),
		errors.Is(err, database.ErrInvalidQuantity),
		errors.Is(err, database.ErrAddressNotFound),
		errors.Is(err, database.ErrInvalidCursor),
		errors.Is(err, gateway.ErrUnknownMethod):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, database.ErrLedgerInvariant):
		return http.StatusConflict, errorBody{Error: "stock ledger refused the change"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, body := errorResponse(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, body)
}
