package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/safar/bookstore-checkout/internal/checkout"
	"github.com/safar/bookstore-checkout/internal/idempotency"
	"go.uber.org/zap"
)

type previewReq struct {
	CouponCode string `json:"coupon_code"`
}

type submitReq struct {
	AddressID     int64  `json:"address_id"`
	CouponCode    string `json:"coupon_code"`
	PaymentMethod string `json:"payment_method"`
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) previewCheckout(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req previewReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	breakdown, err := h.checkout.Preview(r.Context(), id.UserID, req.CouponCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) submitCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := identityFrom(ctx)

	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AddressID <= 0 || req.PaymentMethod == "" {
		writeError(w, http.StatusBadRequest, "address_id and payment_method are required")
		return
	}

	key := idempotency.Key(r)
	scope := "checkout:" + strconv.FormatInt(id.UserID, 10)
	claimed := false
	if key != "" && h.idempotency != nil {
		rec, err := h.idempotency.Begin(ctx, scope, key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			h.fail(w, r, err)
			return
		case err != nil:
			h.log.Error("idempotency store unavailable", zap.String("request_id", requestID(r)), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		case rec != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(rec.Status)
			_, _ = w.Write(rec.Body)
			return
		}
		claimed = true
	}

	res, err := h.checkout.Submit(ctx, checkout.SubmitRequest{
		UserID:        id.UserID,
		AddressID:     req.AddressID,
		CouponCode:    req.CouponCode,
		PaymentMethod: req.PaymentMethod,
		ChangedBy:     id.Actor(),
	})
	if err != nil {
		// A rejected submit wrote nothing, so the client may retry with the
		// same key once the cart is fixed.
		if claimed {
			if aerr := h.idempotency.Abandon(ctx, scope, key); aerr != nil {
				h.log.Warn("release idempotency key", zap.String("key", key), zap.Error(aerr))
			}
		}
		h.fail(w, r, err)
		return
	}

	if claimed {
		var body bytes.Buffer
		if err := json.NewEncoder(&body).Encode(res); err == nil {
			rec := idempotency.Record{Status: http.StatusCreated, Body: body.Bytes()}
			if err := h.idempotency.Complete(ctx, scope, key, rec); err != nil {
				h.log.Warn("store idempotency record",
					zap.String("key", key),
					zap.String("order_number", res.OrderNumber),
					zap.Error(err),
				)
			}
		}
	}

	writeJSON(w, http.StatusCreated, res)
}
