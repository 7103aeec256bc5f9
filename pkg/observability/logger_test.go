package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"replibridge/pkg/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zap.AtomicLevel{
		"":        zap.NewAtomicLevelAt(zap.InfoLevel),
		"DEBUG":   zap.NewAtomicLevelAt(zap.DebugLevel),
		"warning": zap.NewAtomicLevelAt(zap.WarnLevel),
		"error":   zap.NewAtomicLevelAt(zap.ErrorLevel),
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want.Level(), got.Level(), in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	path := filepath.Join(t.TempDir(), "logs", "node.log")
	l, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	l.Info("hello", zap.String("k", "v"))
	l.Debug("hidden")
	require.NoError(t, Sync(l))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
	assert.Contains(t, string(b), `"k":"v"`)
	assert.NotContains(t, string(b), "hidden")
	assert.Same(t, l, zap.L())
}

func TestSetupLoggerRejectsBadLevel(t *testing.T) {
	_, err := SetupLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
