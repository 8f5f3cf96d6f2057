package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/realtime-chat-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, h *harness) *mux.Router {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	api := NewAPI(h.session, h.actions, h.svc, 5*time.Minute, logger)
	api.clock = func() time.Time { return h.now }
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router
}

func do(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAPI_SendAndList(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodPost, "/api/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/enter", `{"name":"ann"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/messages", `{"text":"**hi**"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/chats?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
			HTML    string `json:"html"`
			Pending bool   `json:"pending"`
		} `json:"items"`
		State   string `json:"state"`
		Offline bool   `json:"offline"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "**hi**", resp.Items[0].Message)
	assert.Equal(t, "<strong>hi</strong>", resp.Items[0].HTML)
	assert.False(t, resp.Items[0].Pending)
	assert.NotContains(t, resp.Items[0].ID, "local:")
	assert.Equal(t, "idle", resp.State)
	assert.False(t, resp.Offline)

	rec = do(t, router, http.MethodGet, "/api/chats?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SlashCommandIsAccepted(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	router := newTestRouter(t, h)
	require.NoError(t, h.actions.Enter(context.Background(), Identity{Name: "ann"}))

	rec := do(t, router, http.MethodPost, "/api/messages", `{"text":"/help"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAPI_Stats(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	router := newTestRouter(t, h)
	require.NoError(t, h.actions.Enter(context.Background(), Identity{Name: "ann", Color: "#abcdef"}))
	_, err := h.actions.Send(context.Background(), "hello")
	require.NoError(t, err)

	rec := do(t, router, http.MethodGet, "/api/participants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"participants":[{"id":"ann","name":"ann","color":"#abcdef"}]}`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/ranking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestAPI_RefreshAndCache(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/api/cache", "")
	assert.JSONEq(t, `{"cached":false}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"ready"`)

	rec = do(t, router, http.MethodGet, "/api/cache", "")
	assert.Contains(t, rec.Body.String(), `"cached":true`)
}

func TestAPI_Exit(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodPost, "/api/exit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, h.actions.Enter(context.Background(), Identity{Name: "ann"}))
	rec = do(t, router, http.MethodPost, "/api/exit", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
