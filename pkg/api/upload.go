package api

import (
	"encoding/base64"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/httpx"
)

const defaultUploadPrefix = "cankaotu/"

// UploadImage stores a reference image sent inline and returns its
// public URL under the download proxy.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	var req uploadImageRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Image == "" {
		httpx.Error(w, http.StatusBadRequest, "image is required")
		return
	}

	mimeType := req.MimeType
	if data, found := strings.CutPrefix(req.Image, "data:"); found {
		meta, rest, ok := strings.Cut(data, ",")
		if !ok {
			httpx.Error(w, http.StatusBadRequest, "malformed data URL")
			return
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(meta, ";base64")
		}
		req.Image = rest
	}

	raw, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid base64 image")
		return
	}

	prefix := h.UploadPrefix
	if prefix == "" {
		prefix = defaultUploadPrefix
	}
	key := b2.BuildKey(prefix, time.Now().UTC(), uuid.NewString(), mimeType)
	if err := h.Objects.Upload(r.Context(), key, mimeType, raw, b2.SHA1Hex(raw)); err != nil {
		h.Log.Error().Str("key", key).Err(err).Msg("reference upload failed")
		httpx.Error(w, http.StatusInternalServerError, "UPLOAD_FAILED")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, uploadImageResponse{
		Success:  true,
		URL:      h.ReturnBase + "/i/" + key,
		FileName: path.Base(key),
		Size:     len(raw),
	})
}
