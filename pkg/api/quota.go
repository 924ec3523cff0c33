package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/imagegate/imagegate/pkg/httpx"
	"github.com/imagegate/imagegate/pkg/store"
)

const (
	quotaInsufficientMsg = "配额不足"
	codeInvalidMsg       = "兑换码无效或已使用"
)

// GetQuota returns the caller's quota standing.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	quota, used, err := h.Store.Quota(r.Context(), claims(r).UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"quota":     quota,
		"used":      used,
		"remaining": quota - used,
	})
}

// ConsumeQuota debits the caller's quota atomically. count defaults
// to 1; zero is a no-op success.
func (h *Handler) ConsumeQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := claims(r)

	var req consumeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	count := 1
	if req.Count != nil {
		count = *req.Count
	}

	remaining, err := h.Store.ConsumeQuota(ctx, c.UserID, count)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrQuotaInsufficient):
			h.Metrics.QuotaDenied()
			httpx.Error(w, http.StatusBadRequest, quotaInsufficientMsg)
		case errors.Is(err, store.ErrInvalidAmount):
			httpx.Error(w, http.StatusBadRequest, "count must not be negative")
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		default:
			httpx.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if count > 0 {
		h.Store.LogUsage(ctx, c.UserID, store.ActionConsumeQuota, fmt.Sprintf("count=%d", count))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"remaining": remaining,
	})
}

// Redeem credits the caller with a single-use code's quota.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := claims(r)

	var req redeemRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		httpx.Error(w, http.StatusBadRequest, codeInvalidMsg)
		return
	}

	credited, err := h.Store.Redeem(ctx, c.UserID, c.Username, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrCodeInvalid) {
			httpx.Error(w, http.StatusBadRequest, codeInvalidMsg)
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Store.LogUsage(ctx, c.UserID, store.ActionRedeemCode, req.Code)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"quota":   credited,
	})
}
