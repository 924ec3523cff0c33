// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full gateway configuration.
type Config struct {
	// Addr is the listen address (default ":8080")
	Addr string

	// LogLevel is the zerolog level name (default "info")
	LogLevel string

	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// Redis connection for the task KV store
	RedisAddr string
	RedisDB   int

	// JWTSecret is the HS256 signing key for bearer tokens
	JWTSecret string

	// TokenTTL bounds token validity (default 72h)
	TokenTTL time.Duration

	// Backblaze object store credentials
	B2KeyID      string
	B2AppKey     string
	B2BucketName string

	// ImgReturnBase is the public URL base for stored objects,
	// normalized to https:// with trailing slashes stripped
	ImgReturnBase string

	// Vertex upstream settings
	VertexProjectIDs  []string
	VertexLocation    string
	VertexModel       string
	VertexEndpointMode string

	// Service account credential: either the JSON blob or the split fields
	GCPServiceAccountJSON string
	GCPClientEmail        string
	GCPPrivateKey         string
	GCPTokenURI           string

	// KeyPrefix for generated result keys (default "gemini/")
	KeyPrefix string

	// MaxImagesPerResponse caps how many response images are uploaded (default 1)
	MaxImagesPerResponse int

	// Reference image fetch policy
	AllowRefImageHosts []string
	AllowRefImageHTTP  bool
	MaxRefImageBytes   int64
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:                  getenv("ADDR", ":8080"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		TokenTTL:              72 * time.Hour,
		B2KeyID:               os.Getenv("B2_KEY_ID"),
		B2AppKey:              os.Getenv("B2_APP_KEY"),
		B2BucketName:          os.Getenv("B2_BUCKET_NAME"),
		ImgReturnBase:         NormalizeReturnBase(os.Getenv("IMG_RETURN_BASE")),
		VertexProjectIDs:      splitList(os.Getenv("VERTEX_PROJECT_IDS")),
		VertexLocation:        getenv("VERTEX_LOCATION", "global"),
		VertexModel:           os.Getenv("VERTEX_MODEL"),
		VertexEndpointMode:    os.Getenv("VERTEX_ENDPOINT_MODE"),
		GCPServiceAccountJSON: os.Getenv("GCP_SERVICE_ACCOUNT_JSON"),
		GCPClientEmail:        os.Getenv("GCP_SA_CLIENT_EMAIL"),
		GCPPrivateKey:         os.Getenv("GCP_SA_PRIVATE_KEY"),
		GCPTokenURI:           os.Getenv("GCP_TOKEN_URI"),
		KeyPrefix:             getenv("KEY_PREFIX", "gemini/"),
		MaxImagesPerResponse:  1,
		AllowRefImageHosts:    splitList(os.Getenv("ALLOW_REF_IMAGE_HOSTS")),
		AllowRefImageHTTP:     os.Getenv("ALLOW_REF_IMAGE_HTTP") == "1",
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("JWT_TTL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid JWT_TTL_HOURS: %q", v)
		}
		cfg.TokenTTL = time.Duration(n) * time.Hour
	}
	if v := os.Getenv("MAX_IMAGES_PER_RESPONSE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid MAX_IMAGES_PER_RESPONSE: %q", v)
		}
		cfg.MaxImagesPerResponse = n
	}
	if v := os.Getenv("MAX_REF_IMAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MAX_REF_IMAGE_BYTES: %w", err)
		}
		cfg.MaxRefImageBytes = n
	}

	return cfg, nil
}

// Validate checks that the settings required to boot are present.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// NormalizeReturnBase forces an https scheme onto the public URL base and
// strips trailing slashes. An empty input stays empty.
func NormalizeReturnBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
