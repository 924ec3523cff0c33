package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, DefaultStoreConfig())
	require.NoError(t, err)
	return store, mr
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil, DefaultStoreConfig())
	assert.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	refs := json.RawMessage(`["data:image/png;base64,aGk="]`)
	in := New("11111111-2222-3333-4444-555555555555", "a red cube",
		Options{AspectRatio: "1:1", ImageSize: "1K"}, refs)
	require.NoError(t, store.Put(ctx, in))

	out, err := store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	assert.Equal(t, ProgressAccepted, out.Progress)
	assert.Equal(t, "a red cube", out.Prompt)
	assert.Equal(t, in.Options, out.Options)
	assert.JSONEq(t, string(refs), string(out.RefImages))
	assert.Nil(t, out.Result)
	assert.Nil(t, out.Error)
}

func TestGetMissing(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Get(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutSetsTTL(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	tk := New("id-1", "p", Options{}, nil)
	require.NoError(t, store.Put(ctx, tk))

	ttl := mr.TTL("task:id-1")
	assert.Greater(t, ttl, 23*time.Hour)
	assert.LessOrEqual(t, ttl, 24*time.Hour)

	// Expiry makes the task unreachable
	mr.FastForward(25 * time.Hour)
	_, err := store.Get(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressMonotone(t *testing.T) {
	tk := New("id", "p", Options{}, nil)

	tk.Advance(ProgressPrepared)
	assert.Equal(t, StatusProcessing, tk.Status)
	assert.Equal(t, ProgressPrepared, tk.Progress)

	// A lower level never decreases progress
	tk.Advance(ProgressAccepted)
	assert.Equal(t, ProgressPrepared, tk.Progress)

	tk.Advance(ProgressGenerated)
	assert.Equal(t, ProgressGenerated, tk.Progress)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	t.Run("failed stays failed", func(t *testing.T) {
		tk := New("id", "p", Options{}, nil)
		tk.Fail("REF_IMAGE_INVALID: bad base64")

		require.True(t, tk.Terminal())
		assert.Equal(t, ProgressAccepted, tk.Progress)

		tk.Advance(ProgressGenerated)
		tk.Complete(&Result{URL: "https://x/i/k"})
		assert.Equal(t, StatusFailed, tk.Status)
		assert.Nil(t, tk.Result)
		require.NotNil(t, tk.Error)
		assert.Equal(t, "REF_IMAGE_INVALID: bad base64", *tk.Error)
	})

	t.Run("completed stays completed", func(t *testing.T) {
		tk := New("id", "p", Options{}, nil)
		tk.Complete(&Result{URL: "https://x/i/k"})

		require.True(t, tk.Terminal())
		assert.Equal(t, ProgressDone, tk.Progress)

		tk.Fail("too late")
		assert.Equal(t, StatusCompleted, tk.Status)
		assert.Nil(t, tk.Error)
	})
}

func TestResultOnlyWhenCompleted(t *testing.T) {
	tk := New("id", "p", Options{}, nil)
	assert.Nil(t, tk.Result)

	tk.Complete(&Result{URL: "https://x/i/k", URLs: []string{"https://x/i/k", "https://x/i/k2"}})
	require.NotNil(t, tk.Result)
	assert.Equal(t, "https://x/i/k", tk.Result.URL)
	assert.Len(t, tk.Result.URLs, 2)
	assert.Nil(t, tk.Error)
}
