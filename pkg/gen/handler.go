package gen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/httpx"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/store"
	"github.com/imagegate/imagegate/pkg/task"
	"github.com/imagegate/imagegate/pkg/vertex"
)

const (
	defaultAspectRatio = "1:1"
	defaultImageSize   = "4K"
)

// QuotaStore is the slice of the relational store the generation plane
// needs to debit credits at submit time.
type QuotaStore interface {
	ConsumeQuota(ctx context.Context, userID int64, count int) (remaining int, err error)
}

// Handler serves the generation plane endpoints.
type Handler struct {
	Tasks   *task.Store
	Exec    *Executor
	Objects *b2.Client
	Model   *vertex.Client
	Quota   QuotaStore
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	// Spawn detaches the executor job. Defaults to a goroutine with a
	// background context; tests override it to run synchronously.
	Spawn func(fn func(ctx context.Context))
}

// Routes mounts the generation plane. requireAuth wraps /generate; task
// polling and diagnostics stay public.
func (h *Handler) Routes(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.With(requireAuth).Post("/generate", h.Generate)
	r.Get("/task/{id}", h.GetTask)
	r.Get("/__health", h.Health)
	r.Get("/__b2check", h.B2Check)
	r.Get("/__vertexcheck", h.VertexCheck)
}

type generateRequest struct {
	Prompt      string            `json:"prompt"`
	AspectRatio string            `json:"aspectRatio"`
	ImageSize   string            `json:"imageSize"`
	Images      []json.RawMessage `json:"images"`
}

type generateResponse struct {
	TaskID   string      `json:"taskId"`
	Status   task.Status `json:"status"`
	Progress int         `json:"progress"`
}

// Generate accepts a generation request, debits one credit and detaches
// the executor. The preflights run before anything billable.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.Objects.Preflight(ctx); err != nil {
		h.Log.Error().Err(err).Msg("b2 preflight failed")
		httpx.Error(w, http.StatusInternalServerError, "B2_PRECHECK_FAILED: see /__b2check")
		return
	}
	if err := h.Model.Preflight(ctx); err != nil {
		h.Log.Error().Err(err).Msg("vertex preflight failed")
		httpx.Error(w, http.StatusInternalServerError, "VERTEX_PRECHECK_FAILED: see /__vertexcheck")
		return
	}

	var req generateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		httpx.Error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	opts := task.Options{
		AspectRatio: req.AspectRatio,
		ImageSize:   strings.ToUpper(req.ImageSize),
	}
	if opts.AspectRatio == "" {
		opts.AspectRatio = defaultAspectRatio
	}
	if opts.ImageSize == "" {
		opts.ImageSize = defaultImageSize
	}
	if len(req.Images) > MaxRefImages {
		req.Images = req.Images[:MaxRefImages]
	}

	claims, ok := auth.ClaimsFrom(ctx)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := h.Quota.ConsumeQuota(ctx, claims.UserID, 1); err != nil {
		if errors.Is(err, store.ErrQuotaInsufficient) {
			h.Metrics.QuotaDenied()
			httpx.Error(w, http.StatusBadRequest, "配额不足")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	var refJSON json.RawMessage
	if len(req.Images) > 0 {
		refJSON, _ = json.Marshal(req.Images)
	}
	t := task.New(uuid.NewString(), req.Prompt, opts, refJSON)
	if err := h.Tasks.Put(ctx, t); err != nil {
		h.Log.Error().Err(err).Msg("task create failed")
		httpx.Error(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	// Detach: all inputs the job needs are copied into t already.
	job := *t
	h.spawn(func(jobCtx context.Context) {
		h.Exec.Run(jobCtx, &job)
	})

	h.Metrics.GenerateAccepted()
	httpx.WriteJSON(w, http.StatusAccepted, generateResponse{
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
	})
}

func (h *Handler) spawn(fn func(ctx context.Context)) {
	if h.Spawn != nil {
		h.Spawn(fn)
		return
	}
	go fn(context.Background())
}

// GetTask returns the task record verbatim.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.Tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "task not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// Health answers the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// B2Check reports object-store preflight diagnostics.
func (h *Handler) B2Check(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Objects.Check(r.Context()))
}

// VertexCheck reports upstream-model preflight diagnostics.
func (h *Handler) VertexCheck(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Model.Check(r.Context()))
}
