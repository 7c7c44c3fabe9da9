package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/cache"
	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/middleware"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/payment"
	"github.com/capitalize-ai/forkchat/internal/pricing"
	"github.com/capitalize-ai/forkchat/internal/service"
)

const (
	testSecret = "test-secret"
	testScope  = "chats:write"
)

type apiFixture struct {
	t      *testing.T
	router http.Handler
	token  string
	wallet *payment.Wallet
}

func newAPI(t *testing.T, balance int64) *apiFixture {
	t.Helper()

	key, err := identity.FromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	store, err := cache.Open("cache", nil, cache.WithFS(vfs.NewMem()))
	require.NoError(t, err)

	catalog := pricing.NewCatalog(nil)
	_, err = catalog.Apply([]byte(`{"updated_at":1,"models":[{"id":"paid","prompt_tokens_per_unit":100,"completion_tokens_per_unit":50,"max_output_tokens":1000}]}`))
	require.NoError(t, err)

	wallet := payment.NewWallet(balance, nil)
	registry := service.NewRegistry(service.Deps{
		Codec:        codec.New(key, nil),
		Feed:         store,
		Publisher:    store,
		Payment:      wallet,
		Pricing:      catalog,
		DefaultModel: "paid",
	})
	t.Cleanup(func() {
		registry.CloseAll()
		store.Close()
	})

	health := NewHealthHandler(map[string]Check{"cache": func() bool { return true }})
	router := NewRouter(RouterConfig{JWTSecret: testSecret, WriteScope: testScope}, NewChatHandler(registry, nil), health)
	return &apiFixture{t: t, router: router, token: signToken(t, testScope), wallet: wallet}
}

func signToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (a *apiFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (a *apiFixture) createChat(title string) string {
	rec := a.do(http.MethodPost, "/api/v1/chats", model.CreateChatRequest{Title: title})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	state := decode[model.ChatStateResponse](a.t, rec)
	assert.Equal(a.t, "new", state.State)
	return state.Chat.ID
}

func TestRequiresToken(t *testing.T) {
	api := newAPI(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteRoutesRequireScope(t *testing.T) {
	api := newAPI(t, 100)
	id := api.createChat("scoped")

	api.token = signToken(t)
	rec := api.do(http.MethodGet, "/api/v1/chats/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/chats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/chats", model.CreateChatRequest{Title: "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(http.MethodPut, "/api/v1/chats/"+id, model.RenameChatRequest{Title: "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(http.MethodDelete, "/api/v1/chats/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	api.token = signToken(t, "chats:read", testScope)
	rec = api.do(http.MethodPut, "/api/v1/chats/"+id, model.RenameChatRequest{Title: "allowed"})
	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	api := newAPI(t, 100)
	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(map[string]Check{"nats": func() bool { return false }})
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats unavailable")
}

func TestChatLifecycle(t *testing.T) {
	api := newAPI(t, 100)
	id := api.createChat("Weekend")

	rec := api.do(http.MethodPost, "/api/v1/chats/"+id+"/messages", model.SendMessageRequest{Content: "Where should we go?"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[model.SendMessageResponse](t, rec)
	assert.Equal(t, int64(21), sent.Deposit)
	assert.Equal(t, int64(79), api.wallet.Balance())

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[model.ChatStateResponse](t, rec)
	assert.Equal(t, "Weekend", state.Chat.Title)
	assert.Equal(t, "active", state.State)

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tr := decode[model.TranscriptResponse](t, rec)
	require.Len(t, tr.Messages, 1)
	assert.Equal(t, "Where should we go?", tr.Messages[0].Content)

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/messages/"+sent.Message.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/messages/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/chats/"+id, model.RenameChatRequest{Title: "Road trip"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[model.ListChatsResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "Road trip", list.Chats[0].Title)

	rec = api.do(http.MethodDelete, "/api/v1/chats/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/chats", nil)
	list = decode[model.ListChatsResponse](t, rec)
	assert.Equal(t, 0, list.Total)
}

func TestForkAndSwitchRoutes(t *testing.T) {
	api := newAPI(t, 100)
	id := api.createChat("")

	rec := api.do(http.MethodPost, "/api/v1/chats/"+id+"/messages", model.SendMessageRequest{Content: "first"})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[model.SendMessageResponse](t, rec)

	rec = api.do(http.MethodPost, "/api/v1/chats/"+id+"/branches", model.ForkRequest{ForkPointMessageID: first.Message.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	branch := decode[model.Branch](t, rec)

	rec = api.do(http.MethodPost, "/api/v1/chats/"+id+"/messages", model.SendMessageRequest{Content: "alternative"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/chats/"+id+"/branch", model.SwitchBranchRequest{BranchID: ""})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/transcript", nil)
	assert.Len(t, decode[model.TranscriptResponse](t, rec).Messages, 1)

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/transcript?branch="+branch.ID, nil)
	tr := decode[model.TranscriptResponse](t, rec)
	assert.Equal(t, branch.ID, tr.BranchID)
	assert.Len(t, tr.Messages, 2)

	rec = api.do(http.MethodPut, "/api/v1/chats/"+id+"/branch", model.SwitchBranchRequest{BranchID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendErrors(t *testing.T) {
	api := newAPI(t, 3)
	id := api.createChat("")

	rec := api.do(http.MethodPost, "/api/v1/chats/"+id+"/messages", model.SendMessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/chats/"+id+"/messages", model.SendMessageRequest{Content: "hello"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "deposit_unavailable")

	rec = api.do(http.MethodGet, "/api/v1/chats/"+id+"/transcript", nil)
	assert.Empty(t, decode[model.TranscriptResponse](t, rec).Messages)
}

func TestEstimateRoute(t *testing.T) {
	api := newAPI(t, 100)
	id := api.createChat("")

	rec := api.do(http.MethodPost, "/api/v1/chats/"+id+"/estimate", model.EstimateRequest{Draft: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	est := decode[model.EstimateResponse](t, rec)
	assert.Equal(t, int64(21), est.Units)
	assert.False(t, est.Fallback)

	rec = api.do(http.MethodPost, "/api/v1/chats/"+id+"/estimate", model.EstimateRequest{Draft: "hi", Model: "unknown"})
	est = decode[model.EstimateResponse](t, rec)
	assert.True(t, est.Fallback)
	assert.Equal(t, int64(5), est.Units)
}

func TestFeedUnavailableSetsRetryAfter(t *testing.T) {
	for _, err := range []error{
		service.ErrNotReady,
		&service.SubscriptionSetupError{ChatID: "c1", Err: assert.AnError},
	} {
		rec := httptest.NewRecorder()
		writeServiceError(rec, err)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "feed_unavailable")
	}
}
