package proxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/metrics"
)

const routePrefix = "/i/"

// immutableCacheControl replaces the origin's caching policy: keys are
// UUID-based, so a served body never changes.
const immutableCacheControl = "public, max-age=31536000, immutable"

// Handler proxies GET|HEAD /i/<key> to the object store through the
// edge cache.
type Handler struct {
	Objects *b2.Client
	Cache   *Cache
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCORS(w, r)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, found := strings.CutPrefix(r.URL.Path, routePrefix)
	if !found || key == "" {
		http.NotFound(w, r)
		return
	}
	if strings.Contains(key, "..") {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}

	// Cache key is the path only; the query string never affects the
	// stored object. Ranged requests bypass the cache both ways.
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		if ct, body, ok := h.Cache.Get(r.URL.Path); ok {
			h.Metrics.ProxyCacheHit()
			h.writeCached(w, r, ct, body)
			return
		}
		h.Metrics.ProxyCacheMiss()
	}

	resp, err := h.Objects.Download(r.Context(), key, rangeHeader)
	if err != nil {
		h.Log.Error().Str("key", key).Err(err).Msg("origin download failed")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || rangeHeader != "" {
		h.passthrough(w, r, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.Log.Error().Str("key", key).Err(err).Msg("origin body read failed")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	ct := resp.Header.Get("Content-Type")
	h.writeCached(w, r, ct, body)
	h.Cache.Set(r.URL.Path, ct, body)
}

func (h *Handler) writeCached(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", immutableCacheControl)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

// passthrough relays the origin answer verbatim: ranged responses and
// origin errors are the client's business, not the cache's.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

// writeCORS sets the permissive envelope every proxy response carries,
// echoing the caller's Origin when present.
func writeCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
	w.Header().Add("Vary", "Origin")
}
