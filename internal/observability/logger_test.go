package observability

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/openmux/omnichat/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ zapcore.WriteSyncer = (*syncBuffer)(nil)

func testLoggerConfig() config.LoggerConfig {
	return config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "omnichat-test",
		Colors:      config.ColorConfig{Info: "green", Warn: "yellow", Error: "red"},
	}
}

func TestInitialize(t *testing.T) {
	t.Run("should emit colorized console output", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(testLoggerConfig(), buf)

		GetLogger().Info("hello from the test")
		out := buf.String()
		assert.Contains(t, out, "hello from the test")
		assert.Contains(t, out, colorGreen+"INFO"+colorReset)
		assert.Contains(t, out, "omnichat-test.")
	})

	t.Run("should run at most once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		first := &syncBuffer{}
		second := &syncBuffer{}
		Initialize(testLoggerConfig(), first)
		Initialize(testLoggerConfig(), second)

		GetLogger().Info("only once")
		assert.Contains(t, first.String(), "only once")
		assert.Empty(t, second.String())
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		cfg := testLoggerConfig()
		cfg.Level = "not-a-level"
		buf := &syncBuffer{}
		Initialize(cfg, buf)

		GetLogger().Debug("hidden")
		GetLogger().Info("visible")
		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "visible")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.True(t, strings.Contains(logger.Name(), "fallback") || logger.Name() == "",
		"uninitialized logger must be the fallback")
}
