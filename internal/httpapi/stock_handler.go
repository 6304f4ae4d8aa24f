package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/bookstore-checkout/internal/models"
)

type adjustReq struct {
	WarehouseID int64  `json:"warehouse_id"`
	BookID      int64  `json:"book_id"`
	Delta       int    `json:"delta"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`
}

type snapshotResp struct {
	BookID    int64                `json:"book_id"`
	Available int                  `json:"available"`
	Records   []models.StockRecord `json:"records"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req adjustReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.WarehouseID <= 0 || req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "warehouse_id and book_id are required")
		return
	}
	if req.ReferenceID == "" {
		req.ReferenceID = id.Actor()
	}

	rec, err := h.stock.Adjust(r.Context(), req.WarehouseID, req.BookID, req.Delta, req.ReferenceID, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) stockSnapshot(w http.ResponseWriter, r *http.Request) {
	bookID, err := strconv.ParseInt(chi.URLParam(r, "bookID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}

	records, err := h.stock.Snapshot(r.Context(), bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := snapshotResp{BookID: bookID, Records: records}
	for _, rec := range records {
		resp.Available += rec.Available()
	}
	writeJSON(w, http.StatusOK, resp)
}
