package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	oauthScope      = "https://www.googleapis.com/auth/cloud-platform"
	jwtGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	// Tokens are refreshed at least this long before they expire.
	refreshMargin = 60 * time.Second
)

// Credentials is a GCP service-account credential, read either from the
// JSON blob or from three split fields.
type Credentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// CredentialsFromConfig parses the credential sources in precedence
// order: JSON blob first, then the split fields.
func CredentialsFromConfig(blob, clientEmail, privateKey, tokenURI string) (*Credentials, error) {
	var creds Credentials
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &creds); err != nil {
			return nil, fmt.Errorf("invalid service account JSON: %w", err)
		}
	} else {
		creds = Credentials{ClientEmail: clientEmail, PrivateKey: privateKey, TokenURI: tokenURI}
	}
	if creds.TokenURI == "" {
		creds.TokenURI = defaultTokenURI
	}
	// Keys passed through env vars usually carry literal \n sequences.
	creds.PrivateKey = strings.ReplaceAll(creds.PrivateKey, `\n`, "\n")
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("service account credential incomplete")
	}
	return &creds, nil
}

// TokenSource mints OAuth access tokens via the service-account JWT
// grant and caches them until shortly before expiry. Concurrent
// cold-cache callers share one mint.
type TokenSource struct {
	creds *Credentials
	hc    *http.Client

	mu    sync.Mutex
	token string
	exp   time.Time
	sf    singleflight.Group
}

// NewTokenSource builds a TokenSource for the given credentials.
func NewTokenSource(creds *Credentials, hc *http.Client) *TokenSource {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{creds: creds, hc: hc}
}

// Token returns a valid access token, minting a fresh one when the
// cached token is within the refresh margin of its expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.token != "" && time.Now().Before(ts.exp.Add(-refreshMargin)) {
		tok := ts.token
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()

	v, err, _ := ts.sf.Do("token", func() (interface{}, error) {
		ts.mu.Lock()
		if ts.token != "" && time.Now().Before(ts.exp.Add(-refreshMargin)) {
			tok := ts.token
			ts.mu.Unlock()
			return tok, nil
		}
		ts.mu.Unlock()

		tok, exp, err := ts.mint(ctx)
		if err != nil {
			return nil, err
		}
		ts.mu.Lock()
		ts.token = tok
		ts.exp = exp
		ts.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) mint(ctx context.Context) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(ts.creds.PrivateKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: bad private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   ts.creds.ClientEmail,
		"scope": oauthScope,
		"aud":   ts.creds.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.creds.TokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: %d %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("oauth_token_failed: empty access_token")
	}
	return tokenResp.AccessToken, now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second), nil
}
