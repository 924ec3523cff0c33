package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/httpx"
	"github.com/imagegate/imagegate/pkg/store"
)

const loginFailedMsg = "用户名或密码错误"

// Login verifies the client digest against the stored hash and issues a
// bearer token. Legacy bare-sha256 rows are upgraded to bcrypt in place.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httpx.Error(w, http.StatusUnauthorized, loginFailedMsg)
		return
	}

	user, err := h.Store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusUnauthorized, loginFailedMsg)
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	ok, upgrade := auth.VerifyDigest(user.PasswordDigest, req.Password)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, loginFailedMsg)
		return
	}
	if upgrade {
		if hashed, err := auth.HashDigest(req.Password); err == nil {
			if err := h.Store.UpdatePasswordDigest(ctx, user.ID, hashed); err != nil {
				h.Log.Warn().Str("username", user.Username).Err(err).Msg("digest upgrade failed")
			}
		}
	}

	token, err := h.Signer.Sign(user.ID, user.Username, user.Role)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Store.LogUsage(ctx, user.ID, store.ActionLogin, "")
	httpx.WriteJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// Me returns the caller's account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(r.Context(), claims(r).UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.Quota < 0 {
		httpx.Error(w, http.StatusBadRequest, "quota must not be negative")
		return
	}

	digest, err := auth.HashDigest(req.Password)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	id, err := h.Store.CreateUser(r.Context(), req.Username, digest, req.Role, req.Quota)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httpx.Error(w, http.StatusConflict, "username already exists")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req updateUserRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Quota == nil && req.Password == nil {
		httpx.Error(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Quota != nil && *req.Quota < 0 {
		httpx.Error(w, http.StatusBadRequest, "quota must not be negative")
		return
	}

	var digest *string
	if req.Password != nil {
		hashed, err := auth.HashDigest(*req.Password)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		digest = &hashed
	}
	if err := h.Store.UpdateUser(r.Context(), id, req.Quota, digest); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "user not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if id == claims(r).UserID {
		httpx.Error(w, http.StatusBadRequest, "cannot delete the current account")
		return
	}
	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "user not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
