package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithSessionID("sess-1").Info("prompt started", zap.Int("blocks", 2))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"sess-1"`)
	assert.Contains(t, string(data), `"msg":"prompt started"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{zap: zap.New(core)}, logs
}

func TestWithFields_DoesNotAlias(t *testing.T) {
	log, logs := observed()
	base := log.WithFields(zap.String("component", "bridge"))
	base.WithFields(zap.String("a", "1")).Info("first")
	base.WithFields(zap.String("b", "2")).Info("second")
	base.Info("third")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, map[string]any{"component": "bridge", "a": "1"}, entries[0].ContextMap())
	assert.Equal(t, map[string]any{"component": "bridge", "b": "2"}, entries[1].ContextMap())
	assert.Equal(t, map[string]any{"component": "bridge"}, entries[2].ContextMap())
}

func TestWithContext(t *testing.T) {
	log, logs := observed()
	assert.Same(t, log, log.WithContext(context.Background()))

	ctx := ContextWithSessionID(context.Background(), "sess-9")
	log.WithContext(ctx).WithError(errors.New("boom")).Warn("failed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{"session_id": "sess-9", "error": "boom"}, entries[0].ContextMap())
}

func TestDefault_SetDefault(t *testing.T) {
	custom := Nop()
	SetDefault(custom)
	t.Cleanup(func() { SetDefault(nil) })

	assert.Same(t, custom, Default())
}
