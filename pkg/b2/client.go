// Package b2 implements the native Backblaze B2 protocol legs the
// gateway needs: authorize, bucket resolution, upload-URL issuance,
// content upload and authorized download. Each leg is fronted by its
// own cache (23h auth, process-lifetime bucket id, 30m upload URL) and
// cold-cache refreshes are deduplicated with singleflight.
package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultAPIBase = "https://api.backblazeb2.com"

	authTTL      = 23 * time.Hour
	uploadURLTTL = 30 * time.Minute
)

// ErrNotConfigured is returned when the B2 credentials are missing.
var ErrNotConfigured = errors.New("b2 credentials not configured")

// Config holds object-store settings.
type Config struct {
	KeyID      string
	AppKey     string
	BucketName string

	// APIBase overrides the authorize endpoint base (tests)
	APIBase string

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Authorization is the cached result of b2_authorize_account.
type Authorization struct {
	AccountID string `json:"accountId"`
	Token     string `json:"authorizationToken"`
	APIURL    string `json:"apiUrl"`
	DownloadURL string `json:"downloadUrl"`
	Allowed   struct {
		BucketID   string `json:"bucketId"`
		BucketName string `json:"bucketName"`
	} `json:"allowed"`
}

type uploadTarget struct {
	URL   string `json:"uploadUrl"`
	Token string `json:"authorizationToken"`
}

// Client is the object-store adapter.
type Client struct {
	cfg Config
	hc  *http.Client
	log zerolog.Logger

	auth     expiring[*Authorization]
	bucketID expiring[string]
	upload   expiring[uploadTarget]
	sf       singleflight.Group
}

// NewClient builds a Client. Credentials are checked lazily so the
// diagnostic endpoints can report what is missing.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, hc: hc, log: cfg.Logger}
}

// Auth returns the cached account authorization, refreshing it when
// stale. Concurrent cold-cache callers share one authorize call.
func (c *Client) Auth(ctx context.Context) (*Authorization, error) {
	if auth, ok := c.auth.get(); ok {
		return auth, nil
	}
	v, err, _ := c.sf.Do("authorize", func() (interface{}, error) {
		if auth, ok := c.auth.get(); ok {
			return auth, nil
		}
		auth, err := c.authorize(ctx)
		if err != nil {
			return nil, err
		}
		c.auth.set(auth, authTTL)
		return auth, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Authorization), nil
}

func (c *Client) authorize(ctx context.Context) (*Authorization, error) {
	if c.cfg.KeyID == "" || c.cfg.AppKey == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.APIBase+"/b2api/v2/b2_authorize_account", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.AppKey)

	var auth Authorization
	if err := c.doJSON(req, &auth); err != nil {
		return nil, fmt.Errorf("authorize failed: %w", err)
	}
	c.log.Debug().Str("api_url", auth.APIURL).Msg("b2 authorized")
	return &auth, nil
}

// BucketID resolves the configured bucket's id, preferring the
// allow-list embedded in the authorization. Cached for the process
// lifetime.
func (c *Client) BucketID(ctx context.Context) (string, error) {
	if id, ok := c.bucketID.get(); ok {
		return id, nil
	}
	if c.cfg.BucketName == "" {
		return "", fmt.Errorf("%w: bucket name missing", ErrNotConfigured)
	}
	auth, err := c.Auth(ctx)
	if err != nil {
		return "", err
	}

	if auth.Allowed.BucketID != "" &&
		(auth.Allowed.BucketName == "" || auth.Allowed.BucketName == c.cfg.BucketName) {
		c.bucketID.set(auth.Allowed.BucketID, 0)
		return auth.Allowed.BucketID, nil
	}

	body, _ := json.Marshal(map[string]string{
		"accountId":  auth.AccountID,
		"bucketName": c.cfg.BucketName,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		auth.APIURL+"/b2api/v2/b2_list_buckets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", auth.Token)

	var resp struct {
		Buckets []struct {
			BucketID   string `json:"bucketId"`
			BucketName string `json:"bucketName"`
		} `json:"buckets"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("list buckets failed: %w", err)
	}
	for _, b := range resp.Buckets {
		if b.BucketName == c.cfg.BucketName {
			c.bucketID.set(b.BucketID, 0)
			return b.BucketID, nil
		}
	}
	return "", fmt.Errorf("bucket %q not found", c.cfg.BucketName)
}

func (c *Client) uploadTarget(ctx context.Context) (uploadTarget, error) {
	if t, ok := c.upload.get(); ok {
		return t, nil
	}
	auth, err := c.Auth(ctx)
	if err != nil {
		return uploadTarget{}, err
	}
	bucketID, err := c.BucketID(ctx)
	if err != nil {
		return uploadTarget{}, err
	}

	body, _ := json.Marshal(map[string]string{"bucketId": bucketID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		auth.APIURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(body))
	if err != nil {
		return uploadTarget{}, err
	}
	req.Header.Set("Authorization", auth.Token)

	var t uploadTarget
	if err := c.doJSON(req, &t); err != nil {
		return uploadTarget{}, fmt.Errorf("get upload url failed: %w", err)
	}
	c.upload.set(t, uploadURLTTL)
	return t, nil
}

// Upload stores data under key. A failed attempt invalidates the cached
// upload URL once and retries; the second failure propagates.
func (c *Client) Upload(ctx context.Context, key, mime string, data []byte, sha1Hex string) error {
	err := c.uploadOnce(ctx, key, mime, data, sha1Hex)
	if err == nil {
		return nil
	}
	c.log.Warn().Str("key", key).Err(err).Msg("b2 upload retry after stale upload url")
	c.upload.invalidate()
	return c.uploadOnce(ctx, key, mime, data, sha1Hex)
}

func (c *Client) uploadOnce(ctx context.Context, key, mime string, data []byte, sha1Hex string) error {
	target, err := c.uploadTarget(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if mime == "" {
		mime = "b2/x-auto"
	}
	req.Header.Set("Authorization", target.Token)
	req.Header.Set("X-Bz-File-Name", EncodeKey(key))
	req.Header.Set("Content-Type", mime)
	req.Header.Set("X-Bz-Content-Sha1", sha1Hex)
	req.ContentLength = int64(len(data))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("upload failed: %d %s", resp.StatusCode, body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Download fetches an object from the origin with the account token.
// rangeHeader, when non-empty, is passed through. The raw response is
// returned so the proxy can pass non-OK statuses through verbatim.
func (c *Client) Download(ctx context.Context, key, rangeHeader string) (*http.Response, error) {
	auth, err := c.Auth(ctx)
	if err != nil {
		return nil, err
	}
	u := auth.DownloadURL + "/file/" + c.cfg.BucketName + "/" + EncodeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth.Token)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return c.hc.Do(req)
}

// Preflight verifies the full upload path end to end without uploading
// anything: authorize, bucket resolution, upload-URL issuance. The
// generation plane runs it before any billable call.
func (c *Client) Preflight(ctx context.Context) error {
	if c.cfg.KeyID == "" || c.cfg.AppKey == "" || c.cfg.BucketName == "" {
		return ErrNotConfigured
	}
	if _, err := c.uploadTarget(ctx); err != nil {
		return err
	}
	return nil
}

// Check returns a diagnostic summary for the /__b2check endpoint.
func (c *Client) Check(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"bucket": c.cfg.BucketName,
	}
	if err := c.Preflight(ctx); err != nil {
		out["ok"] = false
		out["error"] = err.Error()
		return out
	}
	auth, _ := c.auth.get()
	if auth != nil {
		out["apiUrl"] = auth.APIURL
		out["downloadUrl"] = auth.DownloadURL
	}
	if id, ok := c.bucketID.get(); ok {
		out["bucketId"] = id
	}
	out["ok"] = true
	return out
}

func (c *Client) doJSON(req *http.Request, dst interface{}) error {
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("%d %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
