package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/dispatch"
	"github.com/openmux/omnichat/internal/registry"
	"github.com/openmux/omnichat/internal/store"
)

type fakeHandle struct {
	mu      sync.Mutex
	url     string
	result  bool
	scripts int
}

func (h *fakeHandle) ExecuteScript(context.Context, string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts++
	return h.result, nil
}

func (h *fakeHandle) CurrentURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

func (h *fakeHandle) Navigate(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url = url
	return nil
}

type failPersister struct{}

func (failPersister) Save(store.State) error     { return nil }
func (failPersister) Load() (store.State, error) { return store.State{}, errors.New("empty") }

type testEnv struct {
	server  *Server
	store   *store.Store
	reg     *registry.Registry
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.New(failPersister{}, zap.NewNop())
	reg := registry.New(zap.NewNop())

	dcfg := config.DispatchConfig{
		SettleDelay:   time.Millisecond,
		CaptureDelay:  time.Millisecond,
		SubmitDelayMs: 10,
		RetryDelayMs:  10,
	}
	engine := dispatch.NewEngine(st, reg, dcfg, zap.NewNop())
	rec := dispatch.NewReconciler(st, reg, engine, nil, dcfg, zap.NewNop())

	archive, err := store.OpenArchive(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	srv := New(st, engine, rec, archive, config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, zap.NewNop())
	return &testEnv{server: srv, store: st, reg: reg, handler: srv.routes()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendEndpoint(t *testing.T) {
	t.Run("should dispatch to every active target and record the message", func(t *testing.T) {
		env := newTestEnv(t)
		for _, id := range []int64{1, 2, 3} {
			env.reg.Register(id, &fakeHandle{result: true, url: fmt.Sprintf("https://site%d.example/", id)})
		}

		w := env.do(t, http.MethodPost, "/api/send", `{"text":"hello everyone"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp sendResponse
		require.NoError(t, jsonAPI.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Outcomes, 3)
		for _, o := range resp.Outcomes {
			assert.Equal(t, schemas.OutcomeDelivered, o.Status)
		}
		assert.Equal(t, "hello everyone", resp.Message.Text)

		conv := env.store.Current()
		require.Len(t, conv.Messages, 1)
		assert.Equal(t, "hello everyone", conv.Title)
	})

	t.Run("should reject an empty payload", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/send", `{"text":""}`).Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/send", `not json`).Code)
	})
}

func TestTargetEndpoints(t *testing.T) {
	t.Run("activation over the limit returns 409", func(t *testing.T) {
		env := newTestEnv(t)
		// Fill the remaining three default slots.
		for _, id := range []int64{4, 5, 6} {
			w := env.do(t, http.MethodPatch, fmt.Sprintf("/api/targets/%d", id), `{"active":true}`)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := env.do(t, http.MethodPost, "/api/targets/", `{"name":"Kimi","url":"https://kimi.moonshot.cn/"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		var added schemas.AITarget
		require.NoError(t, jsonAPI.Unmarshal(w.Body.Bytes(), &added))

		w = env.do(t, http.MethodPatch, fmt.Sprintf("/api/targets/%d", added.ID), `{"active":true}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("rename keeps the id stable", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPatch, "/api/targets/1", `{"name":"ChatGPT (work)"}`)
		require.Equal(t, http.StatusOK, w.Code)

		targets := env.store.Targets()
		assert.Equal(t, "ChatGPT (work)", targets[0].Name)
		assert.Equal(t, int64(1), targets[0].ID)
	})

	t.Run("unknown target returns 404", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPatch, "/api/targets/999", `{"active":true}`).Code)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/targets/999", "").Code)
	})

	t.Run("swap reorders active targets", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/api/targets/swap", `{"a":1,"b":3}`)
		require.Equal(t, http.StatusOK, w.Code)

		active := env.store.ActiveTargets()
		assert.Equal(t, int64(3), active[0].ID)
	})

	t.Run("delete returns 204", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/targets/6", "").Code)
		assert.Len(t, env.store.Targets(), 5)
	})
}

func TestConversationEndpoints(t *testing.T) {
	t.Run("create and switch", func(t *testing.T) {
		env := newTestEnv(t)
		first := env.store.CurrentID()

		w := env.do(t, http.MethodPost, "/api/conversations/", "")
		require.Equal(t, http.StatusCreated, w.Code)
		var created schemas.Conversation
		require.NoError(t, jsonAPI.Unmarshal(w.Body.Bytes(), &created))
		assert.Equal(t, created.ID, env.store.CurrentID())

		w = env.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/switch", first), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, first, env.store.CurrentID())
	})

	t.Run("rename and pin", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.store.CurrentID()

		w := env.do(t, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", id), `{"title":"Research","pinned":true}`)
		require.Equal(t, http.StatusOK, w.Code)

		conv := env.store.Current()
		assert.Equal(t, "Research", conv.Title)
		assert.True(t, conv.Pinned)
	})

	t.Run("switch to unknown conversation returns 404", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/conversations/999/switch", "").Code)
	})

	t.Run("delete returns 204 and keeps a current conversation", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.store.CurrentID()
		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", id), "").Code)
		assert.NotNil(t, env.store.Current())
	})
}

func TestArchiveEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Register(1, &fakeHandle{result: true})

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/send", `{"text":"archived line"}`).Code)

	w := env.do(t, http.MethodGet, "/api/archive?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []store.ArchivedMessage
	require.NoError(t, jsonAPI.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "archived line", msgs[0].Text)

	t.Run("invalid limit is rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/archive?limit=zero", "").Code)
	})
}
