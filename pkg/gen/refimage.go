package gen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxRefImages is the number of reference entries the pipeline honors;
// extra entries are silently dropped.
const MaxRefImages = 2

const defaultRefMIME = "image/png"

// RefImage is the normalized internal form of a reference image.
type RefImage struct {
	MimeType string
	Data     string // raw base64, no data: prefix
}

// Normalizer funnels the polymorphic reference-image inputs (string
// data-URL, string http(s) URL, {uri|url|href}, {data, mimeType}) into
// RefImage values, enforcing the fetch policy.
type Normalizer struct {
	// AllowHosts restricts URL fetches; empty disables filtering.
	AllowHosts []string

	// AllowHTTP permits plain http URLs.
	AllowHTTP bool

	// MaxBytes caps fetched reference bodies; <=0 means unlimited.
	MaxBytes int64

	HTTPClient *http.Client
}

func (n *Normalizer) client() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Normalize converts up to MaxRefImages entries. Any failure aborts the
// whole batch; the executor surfaces it as REF_IMAGE_INVALID.
func (n *Normalizer) Normalize(ctx context.Context, entries []json.RawMessage) ([]RefImage, error) {
	if len(entries) > MaxRefImages {
		entries = entries[:MaxRefImages]
	}
	refs := make([]RefImage, 0, len(entries))
	for i, raw := range entries {
		ref, err := n.normalizeOne(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("image #%d: %w", i+1, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, raw json.RawMessage) (RefImage, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return n.fromString(ctx, s, "")
	}

	var obj struct {
		URI      string `json:"uri"`
		URL      string `json:"url"`
		Href     string `json:"href"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_ENTRY: %v", err)
	}

	if obj.Data != "" {
		if isHTTPURL(obj.Data) {
			return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_BASE64: data field holds a URL")
		}
		return decodeInline(obj.Data, obj.MimeType)
	}

	for _, u := range []string{obj.URI, obj.URL, obj.Href} {
		if u != "" {
			return n.fromString(ctx, u, obj.MimeType)
		}
	}
	return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_ENTRY: no uri, url, href or data")
}

func (n *Normalizer) fromString(ctx context.Context, s, mimeOverride string) (RefImage, error) {
	switch {
	case strings.HasPrefix(s, "data:"):
		return decodeDataURL(s, mimeOverride)
	case isHTTPURL(s):
		return n.fetch(ctx, s, mimeOverride)
	default:
		// Bare base64 without a data: wrapper
		return decodeInline(s, mimeOverride)
	}
}

func (n *Normalizer) fetch(ctx context.Context, rawURL, mimeOverride string) (RefImage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_ENTRY: %v", err)
	}
	if u.Scheme == "http" && !n.AllowHTTP {
		return RefImage{}, fmt.Errorf("REF_IMAGE_HTTP_NOT_ALLOWED: %s", u.Host)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_ENTRY: scheme %q", u.Scheme)
	}
	if !n.hostAllowed(u.Hostname()) {
		return RefImage{}, fmt.Errorf("REF_IMAGE_HOST_NOT_ALLOWED: %s", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return RefImage{}, fmt.Errorf("REF_IMAGE_FETCH_FAILED: %v", err)
	}
	resp, err := n.client().Do(req)
	if err != nil {
		return RefImage{}, fmt.Errorf("REF_IMAGE_FETCH_FAILED: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RefImage{}, fmt.Errorf("REF_IMAGE_FETCH_FAILED: status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if n.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, n.MaxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return RefImage{}, fmt.Errorf("REF_IMAGE_FETCH_FAILED: %v", err)
	}
	if n.MaxBytes > 0 && int64(len(body)) > n.MaxBytes {
		return RefImage{}, fmt.Errorf("REF_IMAGE_TOO_LARGE: over %d bytes", n.MaxBytes)
	}

	mimeType := mimeOverride
	if mimeType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			if parsed, _, err := mime.ParseMediaType(ct); err == nil {
				mimeType = parsed
			}
		}
	}
	if mimeType == "" {
		mimeType = defaultRefMIME
	}
	return RefImage{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(body)}, nil
}

func (n *Normalizer) hostAllowed(host string) bool {
	if len(n.AllowHosts) == 0 {
		return true
	}
	for _, allowed := range n.AllowHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func decodeDataURL(s, mimeOverride string) (RefImage, error) {
	rest := strings.TrimPrefix(s, "data:")
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_ENTRY: malformed data URL")
	}
	mimeType := mimeOverride
	if mimeType == "" {
		mimeType = strings.TrimSuffix(meta, ";base64")
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	return decodeInline(data, mimeType)
}

func decodeInline(data, mimeType string) (RefImage, error) {
	data = strings.TrimSpace(data)
	if !validBase64(data) {
		return RefImage{}, fmt.Errorf("REF_IMAGE_BAD_BASE64: not valid base64")
	}
	if mimeType == "" {
		mimeType = defaultRefMIME
	}
	return RefImage{MimeType: mimeType, Data: data}, nil
}

func validBase64(s string) bool {
	if s == "" {
		return false
	}
	if _, err := base64.StdEncoding.DecodeString(s); err == nil {
		return true
	}
	_, err := base64.RawStdEncoding.DecodeString(s)
	return err == nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// StripDataPrefix removes a data:...;base64, wrapper if present,
// returning the bare base64 payload.
func StripDataPrefix(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if _, data, found := strings.Cut(s, ","); found {
		return data
	}
	return s
}
