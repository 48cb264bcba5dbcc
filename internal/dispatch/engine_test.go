package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/registry"
	"github.com/openmux/omnichat/internal/store"
)

// fakeHandle is a scriptable stand-in for a browser surface.
type fakeHandle struct {
	mu        sync.Mutex
	url       string
	result    bool
	execErr   error
	navErr    error
	scripts   []string
	navigated []string
}

func (h *fakeHandle) ExecuteScript(_ context.Context, script string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = append(h.scripts, script)
	return h.result, h.execErr
}

func (h *fakeHandle) CurrentURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

func (h *fakeHandle) Navigate(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.navErr != nil {
		return h.navErr
	}
	h.navigated = append(h.navigated, url)
	h.url = url
	return nil
}

func (h *fakeHandle) scriptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scripts)
}

func (h *fakeHandle) lastScript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.scripts) == 0 {
		return ""
	}
	return h.scripts[len(h.scripts)-1]
}

func (h *fakeHandle) navigatedTo() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navigated...)
}

var _ schemas.Handle = (*fakeHandle)(nil)

// failPersister makes store.New fall back to the built-in defaults.
type failPersister struct{}

func (failPersister) Save(store.State) error     { return nil }
func (failPersister) Load() (store.State, error) { return store.State{}, errors.New("empty") }

func testDispatchConfig() config.DispatchConfig {
	// Timing shrunk to keep tests fast; MinSendInterval zero disables the
	// limiter entirely.
	return config.DispatchConfig{
		SubmitDelayMs: 10,
		RetryDelayMs:  10,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *registry.Registry) {
	t.Helper()
	st := store.New(failPersister{}, zap.NewNop())
	reg := registry.New(zap.NewNop())
	return NewEngine(st, reg, testDispatchConfig(), zap.NewNop()), st, reg
}

func TestSendToActiveTargets(t *testing.T) {
	t.Run("should produce one outcome per active target in display order", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		handles := map[int64]*fakeHandle{}
		for _, id := range []int64{1, 2, 3} {
			h := &fakeHandle{result: true}
			handles[id] = h
			reg.Register(id, h)
		}

		outcomes := engine.SendToActiveTargets(context.Background(), "hello all")
		require.Len(t, outcomes, 3)
		for i, id := range []int64{1, 2, 3} {
			assert.Equal(t, id, outcomes[i].TargetID)
			assert.Equal(t, schemas.OutcomeDelivered, outcomes[i].Status)
			assert.Equal(t, 1, handles[id].scriptCount())
		}
	})

	t.Run("one failure must not stop the remaining targets", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		ok1 := &fakeHandle{result: true}
		bad := &fakeHandle{execErr: errors.New("target destroyed")}
		ok3 := &fakeHandle{result: true}
		reg.Register(1, ok1)
		reg.Register(2, bad)
		reg.Register(3, ok3)

		outcomes := engine.SendToActiveTargets(context.Background(), "hi")
		require.Len(t, outcomes, 3)
		assert.Equal(t, schemas.OutcomeDelivered, outcomes[0].Status)
		assert.Equal(t, schemas.OutcomeFailed, outcomes[1].Status)
		assert.Contains(t, outcomes[1].Err, "target destroyed")
		assert.Equal(t, schemas.OutcomeDelivered, outcomes[2].Status)
		assert.Equal(t, 1, ok3.scriptCount(), "third target must still be attempted")
	})

	t.Run("falsy script result counts as failed", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		reg.Register(1, &fakeHandle{result: true})
		reg.Register(2, &fakeHandle{result: false})
		reg.Register(3, &fakeHandle{result: true})

		outcomes := engine.SendToActiveTargets(context.Background(), "hi")
		require.Len(t, outcomes, 3)
		assert.Equal(t, schemas.OutcomeFailed, outcomes[1].Status)
		assert.Empty(t, outcomes[1].Err)
	})

	t.Run("target without a handle is skipped with a logged omission", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		st := store.New(failPersister{}, zap.NewNop())
		reg := registry.New(zap.NewNop())
		engine := NewEngine(st, reg, testDispatchConfig(), zap.New(core))
		reg.Register(1, &fakeHandle{result: true})
		// ids 2 and 3 never got a surface.

		outcomes := engine.SendToActiveTargets(context.Background(), "hi")
		require.Len(t, outcomes, 3)
		assert.Equal(t, schemas.OutcomeDelivered, outcomes[0].Status)
		assert.Equal(t, schemas.OutcomeSkipped, outcomes[1].Status)
		assert.Equal(t, schemas.OutcomeSkipped, outcomes[2].Status)

		skips := logs.FilterMessageSnippet("No surface handle").All()
		assert.Len(t, skips, 2)
	})

	t.Run("payload reaches the compiled script", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		h := &fakeHandle{result: true}
		reg.Register(1, h)

		engine.SendToActiveTargets(context.Background(), "what is the capital of France?")
		assert.Contains(t, h.lastScript(), "what is the capital of France?")
	})

	t.Run("outcome count follows the active set size", func(t *testing.T) {
		engine, st, reg := newTestEngine(t)
		reg.Register(1, &fakeHandle{result: true})
		require.NoError(t, st.SetTargetActive(2, false))
		require.NoError(t, st.SetTargetActive(3, false))

		outcomes := engine.SendToActiveTargets(context.Background(), "hi")
		assert.Len(t, outcomes, 1)
	})
}

func TestTriggerNewConversationOnActiveTargets(t *testing.T) {
	t.Run("should compile the per-site new-chat action", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		chatgpt := &fakeHandle{result: true}
		claude := &fakeHandle{result: true}
		gemini := &fakeHandle{result: true}
		reg.Register(1, chatgpt)
		reg.Register(2, claude)
		reg.Register(3, gemini)

		outcomes := engine.TriggerNewConversationOnActiveTargets(context.Background())
		require.Len(t, outcomes, 3)

		// ChatGPT uses a keyboard shortcut, Claude and Gemini navigate.
		assert.Contains(t, chatgpt.lastScript(), "KeyboardEvent('keydown'")
		assert.Contains(t, claude.lastScript(), `window.location.replace("https://claude.ai/new")`)
		assert.Contains(t, gemini.lastScript(), "gemini.google.com/app")
	})

	t.Run("missing handles are skipped", func(t *testing.T) {
		engine, _, reg := newTestEngine(t)
		reg.Register(2, &fakeHandle{result: true})

		outcomes := engine.TriggerNewConversationOnActiveTargets(context.Background())
		require.Len(t, outcomes, 3)
		assert.Equal(t, schemas.OutcomeSkipped, outcomes[0].Status)
		assert.Equal(t, schemas.OutcomeDelivered, outcomes[1].Status)
	})
}

func TestAnyDelivered(t *testing.T) {
	assert.False(t, AnyDelivered(nil))
	assert.False(t, AnyDelivered([]schemas.Outcome{
		{Status: schemas.OutcomeFailed}, {Status: schemas.OutcomeSkipped},
	}))
	assert.True(t, AnyDelivered([]schemas.Outcome{
		{Status: schemas.OutcomeFailed}, {Status: schemas.OutcomeDelivered},
	}))
}
