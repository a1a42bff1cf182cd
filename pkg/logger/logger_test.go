package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHelpersWriteToSwappedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	Info("старт", zap.String("symbol", "BTCUSDT"))
	Warn("внимание")
	Error("сбой")
	Debug("детали")

	require.Equal(t, 4, logs.Len())
	entries := logs.All()
	assert.Equal(t, "старт", entries[0].Message)
	assert.Equal(t, "BTCUSDT", entries[0].ContextMap()["symbol"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestNewLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "app.json.log")

	l, err := newLogger(Options{Level: "info", JSONFile: jsonPath, File: filepath.Join(dir, "app.log")})
	require.NoError(t, err)

	l.Debug("не должно попасть")
	l.Info("запись")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "запись")
	assert.NotContains(t, string(data), "не должно попасть")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(Options{Level: "loud"})
	assert.Error(t, err)
}
