// Package api is the control plane: identity, user administration,
// quota, redemption, history and reference-image intake under /api.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/store"
)

// Store is the relational surface the control plane consumes.
// *store.Postgres implements it.
type Store interface {
	CreateUser(ctx context.Context, username, passwordDigest, role string, quota int) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	UpdateUser(ctx context.Context, id int64, quota *int, passwordDigest *string) error
	UpdatePasswordDigest(ctx context.Context, id int64, digest string) error
	DeleteUser(ctx context.Context, id int64) error

	Quota(ctx context.Context, userID int64) (quota, used int, err error)
	ConsumeQuota(ctx context.Context, userID int64, count int) (remaining int, err error)
	Redeem(ctx context.Context, userID int64, username, code string) (credited int, err error)
	CreateCodes(ctx context.Context, count, quota int) ([]string, error)
	ListCodes(ctx context.Context) ([]store.RedeemCode, error)

	AddHistory(ctx context.Context, userID int64, prompt, imageURL string, options store.GenerateOptions, refImages []string) error
	ListHistory(ctx context.Context, userID int64, limit, offset int) ([]store.HistoryRecord, error)
	DeleteHistory(ctx context.Context, userID, id int64) error

	LogUsage(ctx context.Context, userID int64, action, detail string)
}

// Handler serves the /api routes.
type Handler struct {
	Store   Store
	Signer  *auth.Signer
	Objects *b2.Client

	// ReturnBase is the public URL base for uploaded reference images.
	ReturnBase string

	// UploadPrefix for intake object keys (default "cankaotu/").
	UploadPrefix string

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Routes mounts the control plane on r, typically under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.Signer.Middleware)

		r.Get("/auth/me", h.Me)
		r.Get("/quota", h.GetQuota)
		r.Put("/quota/consume", h.ConsumeQuota)
		r.Post("/redeem", h.Redeem)
		r.Get("/history", h.ListHistory)
		r.Post("/history", h.AddHistory)
		r.Delete("/history/{id}", h.DeleteHistory)
		r.Post("/upload/image", h.UploadImage)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Get("/users", h.ListUsers)
			r.Post("/users", h.CreateUser)
			r.Put("/users/{id}", h.UpdateUser)
			r.Delete("/users/{id}", h.DeleteUser)
			r.Get("/codes", h.ListCodes)
			r.Post("/codes", h.CreateCodes)
		})
	})
}

// claims fetches the verified claims; the auth middleware guarantees
// presence on every route behind it.
func claims(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFrom(r.Context())
	return c
}
