package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegate/imagegate/pkg/auth"
	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/store"
)

// adminDigest is sha256("admin") as the client would send it.
const adminDigest = "8c6976e5b5410415bde908bd4dee15dfb167a9c873fc4bb8a81f6f2ab448a918"

type fakeStore struct {
	mu     sync.Mutex
	users  map[int64]*store.User
	nextID int64

	upgradedDigests map[int64]string
	codes           map[string]*store.RedeemCode
	history         []store.HistoryRecord
	usage           []string

	lastLimit  int
	lastOffset int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:           make(map[int64]*store.User),
		upgradedDigests: make(map[int64]string),
		codes:           make(map[string]*store.RedeemCode),
	}
}

func (f *fakeStore) addUser(username, digest, role string, quota, used int) *store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	u := &store.User{
		ID: f.nextID, Username: username, PasswordDigest: digest,
		Role: role, Quota: quota, Used: used,
	}
	f.users[u.ID] = u
	return u
}

func (f *fakeStore) CreateUser(ctx context.Context, username, digest, role string, quota int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return 0, store.ErrDuplicate
		}
	}
	f.nextID++
	f.users[f.nextID] = &store.User{ID: f.nextID, Username: username, PasswordDigest: digest, Role: role, Quota: quota}
	return f.nextID, nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeStore) UpdateUser(ctx context.Context, id int64, quota *int, digest *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	if quota != nil {
		u.Quota = *quota
	}
	if digest != nil {
		u.PasswordDigest = *digest
	}
	return nil
}

func (f *fakeStore) UpdatePasswordDigest(ctx context.Context, id int64, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordDigest = digest
	f.upgradedDigests[id] = digest
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *fakeStore) Quota(ctx context.Context, userID int64) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	return u.Quota, u.Used, nil
}

func (f *fakeStore) ConsumeQuota(ctx context.Context, userID int64, count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count < 0 {
		return 0, store.ErrInvalidAmount
	}
	u, ok := f.users[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if count == 0 {
		return u.Quota - u.Used, nil
	}
	if u.Quota-u.Used < count {
		return 0, store.ErrQuotaInsufficient
	}
	u.Used += count
	return u.Quota - u.Used, nil
}

func (f *fakeStore) Redeem(ctx context.Context, userID int64, username, code string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[code]
	if !ok || c.Used {
		return 0, store.ErrCodeInvalid
	}
	c.Used = true
	c.UsedBy = &username
	if u, ok := f.users[userID]; ok {
		u.Quota += c.Quota
	}
	return c.Quota, nil
}

func (f *fakeStore) CreateCodes(ctx context.Context, count, quota int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, count)
	for i := range out {
		code, err := store.GenerateCode()
		if err != nil {
			return nil, err
		}
		out[i] = code
		f.codes[code] = &store.RedeemCode{Code: code, Quota: quota}
	}
	return out, nil
}

func (f *fakeStore) ListCodes(ctx context.Context) ([]store.RedeemCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.RedeemCode, 0, len(f.codes))
	for _, c := range f.codes {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) AddHistory(ctx context.Context, userID int64, prompt, imageURL string, options store.GenerateOptions, refImages []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, store.HistoryRecord{
		ID: int64(len(f.history) + 1), UserID: userID, Prompt: prompt,
		ImageURL: imageURL, Options: options, RefImages: refImages,
	})
	return nil
}

func (f *fakeStore) ListHistory(ctx context.Context, userID int64, limit, offset int) ([]store.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	var out []store.HistoryRecord
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].UserID == userID {
			out = append(out, f.history[i])
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteHistory(ctx context.Context, userID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, rec := range f.history {
		if rec.ID == id && rec.UserID == userID {
			f.history = append(f.history[:i], f.history[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) LogUsage(ctx context.Context, userID int64, action, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, action)
}

type apiRig struct {
	store  *fakeStore
	signer *auth.Signer
	router chi.Router

	mu           sync.Mutex
	uploadedKeys []string
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	rig := &apiRig{store: newFakeStore(), signer: auth.NewSigner("test-secret", time.Hour)}

	b2srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/b2_authorize_account"):
			base := "http://" + r.Host
			fmt.Fprintf(w, `{"accountId":"acct","authorizationToken":"tok",
				"apiUrl":%q,"downloadUrl":%q,
				"allowed":{"bucketId":"bkt1","bucketName":"test-bucket"}}`, base, base)
		case strings.HasSuffix(r.URL.Path, "/b2_get_upload_url"):
			fmt.Fprintf(w, `{"uploadUrl":%q,"authorizationToken":"uptok"}`, "http://"+r.Host+"/upload")
		case r.URL.Path == "/upload":
			rig.mu.Lock()
			rig.uploadedKeys = append(rig.uploadedKeys, r.Header.Get("X-Bz-File-Name"))
			rig.mu.Unlock()
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b2srv.Close)

	h := &Handler{
		Store:  rig.store,
		Signer: rig.signer,
		Objects: b2.NewClient(b2.Config{
			KeyID: "key", AppKey: "secret", BucketName: "test-bucket",
			APIBase: b2srv.URL, HTTPClient: b2srv.Client(), Logger: zerolog.Nop(),
		}),
		ReturnBase: "https://img.example.com",
		Log:        zerolog.Nop(),
	}
	rig.router = chi.NewRouter()
	rig.router.Route("/api", h.Routes)
	return rig
}

func (r *apiRig) token(t *testing.T, u *store.User) string {
	t.Helper()
	token, err := r.signer.Sign(u.ID, u.Username, u.Role)
	require.NoError(t, err)
	return token
}

func (r *apiRig) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func bcryptDigest(t *testing.T, clientHex string) string {
	t.Helper()
	d, err := auth.HashDigest(clientHex)
	require.NoError(t, err)
	return d
}

func TestLogin(t *testing.T) {
	rig := newAPIRig(t)
	rig.store.addUser("admin", bcryptDigest(t, adminDigest), "admin", 100, 0)

	t.Run("success", func(t *testing.T) {
		rec := rig.do(t, http.MethodPost, "/api/auth/login", "",
			`{"username":"admin","password":"`+adminDigest+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp loginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "admin", resp.User.Username)
		assert.NotContains(t, rec.Body.String(), adminDigest, "digest must not leak")
		assert.Contains(t, rig.store.usage, store.ActionLogin)
	})

	t.Run("wrong digest", func(t *testing.T) {
		rec := rig.do(t, http.MethodPost, "/api/auth/login", "",
			`{"username":"admin","password":"`+strings.Repeat("0", 64)+`"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "用户名或密码错误")
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := rig.do(t, http.MethodPost, "/api/auth/login", "",
			`{"username":"ghost","password":"`+adminDigest+`"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "用户名或密码错误")
	})
}

func TestLoginUpgradesLegacyDigest(t *testing.T) {
	rig := newAPIRig(t)
	// Legacy row: the bare sha256 hex stored directly.
	u := rig.store.addUser("olduser", adminDigest, "user", 10, 0)

	rec := rig.do(t, http.MethodPost, "/api/auth/login", "",
		`{"username":"olduser","password":"`+adminDigest+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	upgraded, ok := rig.store.upgradedDigests[u.ID]
	require.True(t, ok, "legacy digest must be rehashed on login")
	assert.True(t, strings.HasPrefix(upgraded, "$2"), "upgraded digest must be bcrypt")
}

func TestMe(t *testing.T) {
	rig := newAPIRig(t)
	u := rig.store.addUser("alice", bcryptDigest(t, adminDigest), "user", 5, 2)

	rec := rig.do(t, http.MethodGet, "/api/auth/me", rig.token(t, u), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)

	rec = rig.do(t, http.MethodGet, "/api/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminGate(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.store.addUser("root", bcryptDigest(t, adminDigest), "admin", 0, 0)
	plain := rig.store.addUser("bob", bcryptDigest(t, adminDigest), "user", 0, 0)

	rec := rig.do(t, http.MethodGet, "/api/users", rig.token(t, plain), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/users", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/users", rig.token(t, admin), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateUser(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.store.addUser("root", bcryptDigest(t, adminDigest), "admin", 0, 0)
	token := rig.token(t, admin)

	rec := rig.do(t, http.MethodPost, "/api/users", token,
		`{"username":"carol","password":"`+adminDigest+`","role":"user","quota":20}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = rig.do(t, http.MethodPost, "/api/users", token,
		`{"username":"carol","password":"`+adminDigest+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The stored digest must not be the raw client hex.
	u, err := rig.store.GetUserByUsername(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.PasswordDigest, "$2"))
}

func TestUpdateAndDeleteUser(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.store.addUser("root", bcryptDigest(t, adminDigest), "admin", 0, 0)
	victim := rig.store.addUser("dave", bcryptDigest(t, adminDigest), "user", 10, 0)
	token := rig.token(t, admin)

	rec := rig.do(t, http.MethodPut, fmt.Sprintf("/api/users/%d", victim.ID), token, `{"quota":99}`)
	require.Equal(t, http.StatusOK, rec.Code)
	u, _ := rig.store.GetUserByID(context.Background(), victim.ID)
	assert.Equal(t, 99, u.Quota)

	rec = rig.do(t, http.MethodPut, fmt.Sprintf("/api/users/%d", victim.ID), token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodDelete, fmt.Sprintf("/api/users/%d", admin.ID), token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "self-deletion must be refused")

	rec = rig.do(t, http.MethodDelete, fmt.Sprintf("/api/users/%d", victim.ID), token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodDelete, fmt.Sprintf("/api/users/%d", victim.ID), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	u := rig.store.addUser("erin", bcryptDigest(t, adminDigest), "user", 2, 0)
	token := rig.token(t, u)

	rec := rig.do(t, http.MethodGet, "/api/quota", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"quota":2,"used":0,"remaining":2}`, rec.Body.String())

	// Over-consume leaves used untouched.
	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{"count":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "配额不足")

	// Default count is 1.
	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":1`)

	// Zero is a no-op success.
	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{"count":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":1`)

	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{"count":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{"count":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":0`)

	rec = rig.do(t, http.MethodPut, "/api/quota/consume", token, `{"count":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedeem(t *testing.T) {
	rig := newAPIRig(t)
	u := rig.store.addUser("fred", bcryptDigest(t, adminDigest), "user", 0, 0)
	token := rig.token(t, u)
	rig.store.codes["ABCD-EFGH-JKLM-NPQR"] = &store.RedeemCode{Code: "ABCD-EFGH-JKLM-NPQR", Quota: 50}

	rec := rig.do(t, http.MethodPost, "/api/redeem", token, `{"code":"ABCD-EFGH-JKLM-NPQR"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"quota":50`)

	// Second redemption of the same code fails.
	rec = rig.do(t, http.MethodPost, "/api/redeem", token, `{"code":"ABCD-EFGH-JKLM-NPQR"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "兑换码无效或已使用")

	rec = rig.do(t, http.MethodPost, "/api/redeem", token, `{"code":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	quota, _, err := rig.store.Quota(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, quota)
}

func TestCodes(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.store.addUser("root", bcryptDigest(t, adminDigest), "admin", 0, 0)
	token := rig.token(t, admin)

	rec := rig.do(t, http.MethodPost, "/api/codes", token, `{"count":3,"quota":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Codes []string `json:"codes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Codes, 3)
	for _, code := range resp.Codes {
		assert.Regexp(t, `^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`, code)
	}

	rec = rig.do(t, http.MethodPost, "/api/codes", token, `{"count":0,"quota":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = rig.do(t, http.MethodPost, "/api/codes", token, `{"count":1,"quota":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/codes", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHistory(t *testing.T) {
	rig := newAPIRig(t)
	u := rig.store.addUser("gina", bcryptDigest(t, adminDigest), "user", 0, 0)
	token := rig.token(t, u)

	body := `{"prompt":"a fox","image_url":"https://img.example.com/i/gemini/x.png",
		"options":{"aspectRatio":"1:1","imageSize":"4K"},"ref_images":["https://a/b.png"]}`
	rec := rig.do(t, http.MethodPost, "/api/history", token, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/history", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		History []store.HistoryRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, "a fox", resp.History[0].Prompt)
	assert.Equal(t, "1:1", resp.History[0].Options.AspectRatio)
	assert.Equal(t, []string{"https://a/b.png"}, resp.History[0].RefImages)
	assert.Equal(t, defaultHistoryLimit, rig.store.lastLimit)

	// Limit is capped at 100.
	rig.do(t, http.MethodGet, "/api/history?limit=500&offset=10", token, "")
	assert.Equal(t, maxHistoryLimit, rig.store.lastLimit)
	assert.Equal(t, 10, rig.store.lastOffset)

	rec = rig.do(t, http.MethodDelete, fmt.Sprintf("/api/history/%d", resp.History[0].ID), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = rig.do(t, http.MethodDelete, fmt.Sprintf("/api/history/%d", resp.History[0].ID), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadImage(t *testing.T) {
	rig := newAPIRig(t)
	u := rig.store.addUser("hank", bcryptDigest(t, adminDigest), "user", 0, 0)
	token := rig.token(t, u)
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	rec := rig.do(t, http.MethodPost, "/api/upload/image", token,
		`{"image":"data:image/png;base64,`+payload+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp uploadImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 9, resp.Size)
	assert.Regexp(t, `^https://img\.example\.com/i/cankaotu/\d{4}/\d{2}/\d{2}/[0-9a-f-]{36}\.png$`, resp.URL)
	assert.True(t, strings.HasSuffix(resp.URL, resp.FileName))

	rig.mu.Lock()
	defer rig.mu.Unlock()
	require.Len(t, rig.uploadedKeys, 1)
	assert.True(t, strings.HasPrefix(rig.uploadedKeys[0], "cankaotu/"))

	rec = rig.do(t, http.MethodPost, "/api/upload/image", token, `{"image":"@@@"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = rig.do(t, http.MethodPost, "/api/upload/image", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
