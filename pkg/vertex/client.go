// Package vertex is the upstream generative-model client: OAuth via the
// service-account JWT grant, round-robin multiplexing over a pool of
// billing projects, and the generateContent call itself.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNonJSON is returned when the model endpoint answers 2xx with a
// body that is not JSON.
var ErrNonJSON = errors.New("VERTEX_NON_JSON")

// ErrNotConfigured is returned when projects, model or credentials are missing.
var ErrNotConfigured = errors.New("vertex not configured")

// CallError is a non-2xx answer from the model endpoint.
type CallError struct {
	StatusCode int
	Body       string // truncated to 500 bytes
}

func (e *CallError) Error() string {
	return fmt.Sprintf("VERTEX_CALL_FAILED: %d %s", e.StatusCode, e.Body)
}

// Rotor hands out project ids round-robin. The counter advances on
// every call regardless of outcome, so a bad project does not starve
// the others. A lost update between concurrent callers is acceptable.
type Rotor struct {
	ids []string
	ctr atomic.Uint64
}

// NewRotor builds a rotor over the pipe-delimited project pool.
func NewRotor(ids []string) *Rotor {
	return &Rotor{ids: ids}
}

// Next returns the next project id, or "" when the pool is empty.
func (r *Rotor) Next() string {
	if len(r.ids) == 0 {
		return ""
	}
	i := r.ctr.Add(1) - 1
	return r.ids[i%uint64(len(r.ids))]
}

// Request/response wire shapes for generateContent.

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	CandidateCount     int      `json:"candidateCount"`
}

type GenerateRequest struct {
	Contents         []Content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

type GenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []Part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Config holds upstream settings.
type Config struct {
	ProjectIDs   []string
	Location     string
	Model        string
	EndpointMode string

	// BaseURL overrides the resolved https://<host> origin (tests)
	BaseURL string

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client calls the generative model.
type Client struct {
	cfg   Config
	ts    *TokenSource
	rotor *Rotor
	hc    *http.Client
	log   zerolog.Logger
}

// NewClient builds a Client. ts may be nil when credentials are absent;
// Preflight and Generate then fail with ErrNotConfigured.
func NewClient(cfg Config, ts *TokenSource) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 180 * time.Second}
	}
	return &Client{
		cfg:   cfg,
		ts:    ts,
		rotor: NewRotor(cfg.ProjectIDs),
		hc:    hc,
		log:   cfg.Logger,
	}
}

// Host resolves the endpoint host per the endpoint mode and location.
func (c *Client) Host() string {
	if c.cfg.EndpointMode == "global" || c.cfg.Location == "global" {
		return "aiplatform.googleapis.com"
	}
	return c.cfg.Location + "-aiplatform.googleapis.com"
}

func (c *Client) endpointURL(project string) string {
	origin := c.cfg.BaseURL
	if origin == "" {
		origin = "https://" + c.Host()
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		origin, project, c.cfg.Location, c.cfg.Model)
}

// Generate picks the next project, posts the request and decodes the
// response. The returned project id is the one the call targeted.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, string, error) {
	project := c.rotor.Next()
	if project == "" || c.cfg.Model == "" || c.ts == nil {
		return nil, project, ErrNotConfigured
	}

	token, err := c.ts.Token(ctx)
	if err != nil {
		return nil, project, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, project, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpointURL(project), bytes.NewReader(body))
	if err != nil {
		return nil, project, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("project", project).Str("model", c.cfg.Model).Msg("vertex call")
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, project, fmt.Errorf("VERTEX_CALL_FAILED: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, project, fmt.Errorf("VERTEX_CALL_FAILED: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, project, &CallError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
	}

	var out GenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, project, ErrNonJSON
	}
	return &out, project, nil
}

// InlineImages collects all inline image payloads across candidates.
func (r *GenerateResponse) InlineImages() []InlineData {
	var images []InlineData
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				images = append(images, *part.InlineData)
			}
		}
	}
	return images
}

// Preflight verifies configuration and mints an OAuth token. Run before
// any billable call.
func (c *Client) Preflight(ctx context.Context) error {
	if len(c.cfg.ProjectIDs) == 0 || c.cfg.Model == "" || c.ts == nil {
		return ErrNotConfigured
	}
	_, err := c.ts.Token(ctx)
	return err
}

// Check returns a diagnostic summary for the /__vertexcheck endpoint.
func (c *Client) Check(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"projects": len(c.cfg.ProjectIDs),
		"model":    c.cfg.Model,
		"location": c.cfg.Location,
		"host":     c.Host(),
	}
	if err := c.Preflight(ctx); err != nil {
		out["ok"] = false
		out["error"] = err.Error()
		return out
	}
	out["ok"] = true
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
