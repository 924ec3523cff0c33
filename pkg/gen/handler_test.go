package gen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/store"
	"github.com/imagegate/imagegate/pkg/task"
)

type fakeQuota struct {
	err   error
	calls []int
}

func (f *fakeQuota) ConsumeQuota(ctx context.Context, userID int64, count int) (int, error) {
	f.calls = append(f.calls, count)
	if f.err != nil {
		return 0, f.err
	}
	return 9, nil
}

func injectClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := &auth.Claims{UserID: 7, Username: "alice", Role: "user"}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func newHandlerRig(t *testing.T) (*rig, *Handler, *fakeQuota, chi.Router) {
	t.Helper()
	r := newRig(t, []string{"proj-a"})
	quota := &fakeQuota{}
	h := &Handler{
		Tasks:   r.tasks,
		Exec:    r.exec,
		Objects: r.b2,
		Model:   r.model,
		Quota:   quota,
		Log:     zerolog.Nop(),
		// Run the detached job inline so the test can poll right after.
		Spawn: func(fn func(ctx context.Context)) { fn(context.Background()) },
	}
	router := chi.NewRouter()
	h.Routes(router, injectClaims)
	return r, h, quota, router
}

func TestGenerateAcceptsAndCompletes(t *testing.T) {
	_, _, quota, router := newHandlerRig(t)

	body := `{"prompt":"a red fox","imageSize":"2k"}`
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		TaskID   string `json:"taskId"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "pending", accepted.Status)
	assert.Equal(t, task.ProgressAccepted, accepted.Progress)
	assert.Equal(t, []int{1}, quota.calls)

	// The inline Spawn already ran the executor to completion.
	req = httptest.NewRequest(http.MethodGet, "/task/"+accepted.TaskID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, task.ProgressDone, got.Progress)
	assert.Equal(t, "1:1", got.Options.AspectRatio)
	assert.Equal(t, "2K", got.Options.ImageSize)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.URL, "/i/gemini/")
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	_, _, quota, router := newHandlerRig(t)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"   "}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, quota.calls, "no debit on rejected input")
}

func TestGenerateQuotaInsufficient(t *testing.T) {
	_, _, quota, router := newHandlerRig(t)
	quota.err = store.ErrQuotaInsufficient

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"p"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "配额不足")
}

func TestGeneratePreflightFailure(t *testing.T) {
	r := newRig(t, []string{"proj-a"})
	quota := &fakeQuota{}
	h := &Handler{
		Tasks: r.tasks,
		Exec:  r.exec,
		// Unconfigured object store: preflight must fail before billing.
		Objects: b2.NewClient(b2.Config{Logger: zerolog.Nop()}),
		Model:   r.model,
		Quota:   quota,
		Log:     zerolog.Nop(),
	}
	router := chi.NewRouter()
	h.Routes(router, injectClaims)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"p"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "B2_PRECHECK_FAILED")
	assert.Empty(t, quota.calls)
}

func TestGenerateTruncatesRefImagesToTwo(t *testing.T) {
	_, h, _, router := newHandlerRig(t)
	h.Spawn = func(fn func(ctx context.Context)) {} // do not run; inspect the stored record

	body := `{"prompt":"p","images":["YQ==","YQ==","YQ=="]}`
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	captured, err := h.Tasks.Get(context.Background(), accepted.TaskID)
	require.NoError(t, err)

	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal(captured.RefImages, &entries))
	assert.Len(t, entries, MaxRefImages)
}

func TestGetTaskNotFound(t *testing.T) {
	_, _, _, router := newHandlerRig(t)

	req := httptest.NewRequest(http.MethodGet, "/task/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndChecks(t *testing.T) {
	_, _, _, router := newHandlerRig(t)

	req := httptest.NewRequest(http.MethodGet, "/__health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	for _, path := range []string{"/__b2check", "/__vertexcheck"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var diag map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diag))
		assert.Equal(t, true, diag["ok"], path)
	}
}
