package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/payment"
	"go.uber.org/zap"
)

type notificationResp struct {
	Received        bool                 `json:"received"`
	TransactionCode string               `json:"transaction_code"`
	Status          models.PaymentStatus `json:"status,omitempty"`
	OrderStatus     models.OrderStatus   `json:"order_status,omitempty"`
}

// callbackParams flattens a JSON object or form body into url.Values so both
// encodings are signed and parsed the same way.
func callbackParams(r *http.Request) (url.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.Form, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	params := url.Values{}
	for k, v := range body {
		switch val := v.(type) {
		case nil:
		case string:
			params.Set(k, val)
		case json.Number:
			params.Set(k, val.String())
		case bool, float64:
			params.Set(k, fmt.Sprint(val))
		default:
			return nil, fmt.Errorf("field %q: unsupported value", k)
		}
	}
	return params, nil
}

func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	params, err := callbackParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, gateway.ErrMalformedPayload.Error())
		return
	}
	h.notify(w, r, params, "callback")
}

// paymentReturn handles the customer coming back from the hosted page. The
// query carries the same signed parameters as the callback.
func (h *Handler) paymentReturn(w http.ResponseWriter, r *http.Request) {
	h.notify(w, r, r.URL.Query(), "return")
}

// notify rejects only unauthenticated or unreadable notifications. Anything
// the payment service does with a valid one is acknowledged with 200 so the
// gateway stops retrying; replays and failures are in the callback log.
func (h *Handler) notify(w http.ResponseWriter, r *http.Request, params url.Values, source string) {
	if h.signer.Enabled() {
		if err := h.signer.Verify(params); err != nil {
			h.log.Warn("payment notification rejected",
				zap.String("source", source),
				zap.String("transaction_code", params.Get("transaction_code")),
				zap.Error(err),
			)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		h.log.Warn("accepting unsigned payment notification", zap.String("source", source))
	}

	n, err := gateway.ParseNotification(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := notificationResp{Received: true, TransactionCode: n.TransactionCode}

	res, err := h.payments.ApplyCallback(r.Context(), payment.Callback{
		TransactionCode: n.TransactionCode,
		Status:          n.Status,
		Amount:          n.Amount,
	})
	switch {
	case errors.Is(err, database.ErrPaymentNotFound):
		h.log.Warn("payment notification for unknown transaction",
			zap.String("source", source),
			zap.String("transaction_code", n.TransactionCode),
		)
	case errors.Is(err, database.ErrIllegalStateTransition):
		h.log.Warn("payment notification conflicts with order state",
			zap.String("source", source),
			zap.String("transaction_code", n.TransactionCode),
			zap.Error(err),
		)
	case err != nil:
		// Not acknowledged, so the provider redelivers.
		h.log.Error("apply payment notification",
			zap.String("source", source),
			zap.String("transaction_code", n.TransactionCode),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "payment notification not applied, retry later")
		return
	default:
		resp.Status = res.Transaction.Status
		resp.OrderStatus = res.OrderStatus
	}

	writeJSON(w, http.StatusOK, resp)
}
