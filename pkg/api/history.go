package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/imagegate/imagegate/pkg/httpx"
	"github.com/imagegate/imagegate/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// ListHistory returns the caller's generation history, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := h.Store.ListHistory(r.Context(), claims(r).UserID, limit, offset)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"history": records})
}

// AddHistory appends a record to the caller's history.
func (h *Handler) AddHistory(w http.ResponseWriter, r *http.Request) {
	var req addHistoryRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		httpx.Error(w, http.StatusBadRequest, "prompt is required")
		return
	}

	err := h.Store.AddHistory(r.Context(), claims(r).UserID,
		req.Prompt, req.ImageURL, req.Options, req.RefImages)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// DeleteHistory removes one record; only the owner's rows are visible.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid history id")
		return
	}
	if err := h.Store.DeleteHistory(r.Context(), claims(r).UserID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "record not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
