package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/promptq/promptq/internal/api/handler"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/llm"
	"github.com/promptq/promptq/internal/store"
	"github.com/promptq/promptq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- in-memory store ---

type memStore struct {
	mu      sync.Mutex
	handles map[uuid.UUID]*models.PromptHandle
	keys    map[uuid.UUID]*models.APIKey
}

func newMemStore() *memStore {
	return &memStore{
		handles: make(map[uuid.UUID]*models.PromptHandle),
		keys:    make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *memStore) Ping(_ context.Context) error { return nil }

func (s *memStore) CreatePromptHandle(_ context.Context, h *models.PromptHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *h
	s.handles[h.ID] = &clone
	return nil
}

func (s *memStore) GetPromptHandle(_ context.Context, id uuid.UUID) (*models.PromptHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *h
	return &clone, nil
}

func (s *memStore) FindByRendezvousToken(_ context.Context, token string) (*models.PromptHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h.RendezvousToken == token {
			clone := *h
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) HasPendingHandle(_ context.Context, _ string) (bool, error) { return false, nil }
func (s *memStore) OldestPendingHandle(_ context.Context, _ string) (*models.PromptHandle, error) {
	return nil, store.ErrNotFound
}
func (s *memStore) MarkInProgress(_ context.Context, _ uuid.UUID, _ int64) error { return nil }
func (s *memStore) FinalizeGeneration(_ context.Context, _ uuid.UUID, _ string, _ float64) error {
	return nil
}
func (s *memStore) FinalizeEmbedding(_ context.Context, _ uuid.UUID, _ []float64, _ float64) error {
	return nil
}
func (s *memStore) MarkFailed(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (s *memStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *key
	s.keys[key.ID] = &clone
	return nil
}

func (s *memStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		clone := *k
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

var _ store.Store = (*memStore)(nil)

func (s *memStore) setState(id uuid.UUID, state string, errMsg *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id].State = state
	s.handles[id].ErrorMessage = errMsg
}

// --- helpers ---

func newRouter(st *memStore) (chi.Router, *llm.Service) {
	svc := llm.NewService(st, broker.NewMemoryBroker(), time.Second)

	r := chi.NewRouter()
	r.Post("/api/v1/prompts", handler.NewDispatchHandler(svc))
	r.Get("/api/v1/prompts/{handleID}", handler.NewGetPromptHandler(st))
	r.Get("/api/v1/prompts/{handleID}/wait", handler.NewWaitPromptHandler(svc, st))
	r.Post("/api/v1/admin/keys", handler.NewCreateKeyHandler(st))
	r.Get("/api/v1/admin/keys", handler.NewListKeysHandler(st))
	r.Delete("/api/v1/admin/keys/{keyID}", handler.NewRevokeKeyHandler(st))
	return r, svc
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func dataField(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data envelope in %s", w.Body.String())
	return data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope in %s", w.Body.String())
	return errObj["code"].(string)
}

// --- dispatch ---

func TestDispatch_Accepted(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "POST", "/api/v1/prompts",
		`{"model_name":"llama-7b","prompt":"hello"}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "pending", data["state"])
	assert.Equal(t, "llama-7b", data["model_name"])
	assert.NotEmpty(t, data["id"])
	assert.Len(t, data["rendezvous_token"], 128)
}

func TestDispatch_InvalidJSON(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "POST", "/api/v1/prompts", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_BODY", errCode(t, w))
}

func TestDispatch_MissingFields(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "POST", "/api/v1/prompts", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))

	w = doJSON(t, router, "POST", "/api/v1/prompts", `{"model_name":"llama-7b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))
}

// --- get ---

func TestGetPrompt(t *testing.T) {
	st := newMemStore()
	router, svc := newRouter(st)

	h, err := svc.Dispatch(context.Background(), "llama-7b", "hi", nil)
	require.NoError(t, err)

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+h.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, h.ID.String(), data["id"])
}

func TestGetPrompt_InvalidID(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "GET", "/api/v1/prompts/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPrompt_NotFound(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}

// --- wait ---

func TestWaitPrompt_Finished(t *testing.T) {
	st := newMemStore()
	router, svc := newRouter(st)

	h, err := svc.Dispatch(context.Background(), "llama-7b", "hi", nil)
	require.NoError(t, err)
	st.setState(h.ID, "finished", nil)

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+h.ID.String()+"/wait?timeout=1s", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "finished", data["state"])
}

func TestWaitPrompt_TimesOut(t *testing.T) {
	st := newMemStore()
	router, svc := newRouter(st)

	h, err := svc.Dispatch(context.Background(), "llama-7b", "hi", nil)
	require.NoError(t, err)

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+h.ID.String()+"/wait?timeout=50ms", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "WAIT_TIMEOUT", errCode(t, w))
}

func TestWaitPrompt_Failed(t *testing.T) {
	st := newMemStore()
	router, svc := newRouter(st)

	h, err := svc.Dispatch(context.Background(), "llama-7b", "hi", nil)
	require.NoError(t, err)
	msg := "backend down"
	st.setState(h.ID, "failed", &msg)

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+h.ID.String()+"/wait?timeout=1s", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "HANDLE_FAILED", errCode(t, w))
}

func TestWaitPrompt_InvalidTimeout(t *testing.T) {
	st := newMemStore()
	router, svc := newRouter(st)

	h, err := svc.Dispatch(context.Background(), "llama-7b", "hi", nil)
	require.NoError(t, err)

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+h.ID.String()+"/wait?timeout=banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWaitPrompt_NotFound(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "GET", "/api/v1/prompts/"+uuid.NewString()+"/wait", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- admin keys ---

func TestCreateKey(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "POST", "/api/v1/admin/keys",
		`{"name":"ci-dispatcher","scopes":["prompts"]}`)

	require.Equal(t, http.StatusCreated, w.Code)
	data := dataField(t, w)

	rawKey, _ := data["raw_key"].(string)
	require.NotEmpty(t, rawKey, "raw key must be returned at creation")
	assert.True(t, strings.HasPrefix(rawKey, "pqk_"))
	assert.Equal(t, rawKey[:8], data["key_prefix"])
	assert.Equal(t, "ci-dispatcher", data["name"])
	// The hash never leaves the server.
	_, hashPresent := data["key_hash"]
	assert.False(t, hashPresent)
}

func TestCreateKey_MissingName(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "POST", "/api/v1/admin/keys", `{"scopes":["prompts"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndRevokeKeys(t *testing.T) {
	st := newMemStore()
	router, _ := newRouter(st)

	w := doJSON(t, router, "POST", "/api/v1/admin/keys", `{"name":"temp"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	keyID := dataField(t, w)["id"].(string)

	w = doJSON(t, router, "GET", "/api/v1/admin/keys", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "DELETE", "/api/v1/admin/keys/"+keyID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "DELETE", "/api/v1/admin/keys/"+keyID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokeKey_InvalidID(t *testing.T) {
	router, _ := newRouter(newMemStore())

	w := doJSON(t, router, "DELETE", "/api/v1/admin/keys/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
