package api

import (
	"net/http"

	"github.com/imagegate/imagegate/pkg/httpx"
)

const maxCodesPerBatch = 1000

// ListCodes returns every redemption code, used or not.
func (h *Handler) ListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Store.ListCodes(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

// CreateCodes mints a batch of single-use codes worth quota each.
func (h *Handler) CreateCodes(w http.ResponseWriter, r *http.Request) {
	var req createCodesRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count < 1 || req.Count > maxCodesPerBatch {
		httpx.Error(w, http.StatusBadRequest, "count must be between 1 and 1000")
		return
	}
	if req.Quota < 1 {
		httpx.Error(w, http.StatusBadRequest, "quota must be positive")
		return
	}

	codes, err := h.Store.CreateCodes(r.Context(), req.Count, req.Quota)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"codes":   codes,
	})
}
