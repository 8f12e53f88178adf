package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultLogConfig()},
		{name: "debug console", cfg: LogConfig{Level: "debug", Format: "console", Output: "stderr"}},
		{name: "warn json", cfg: LogConfig{Level: "warn", Format: "json", Output: "stdout"}},
		{name: "bad level", cfg: LogConfig{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	child := logger.With(String("component", "router"), Int("n", 1))
	require.NotNil(t, child)
	assert.NotSame(t, logger, child)

	// Field constructors and log levels must not panic on a nop logger.
	child.Debug("debug", Bool("b", true))
	child.Info("info", Float64("f", 1.5))
	child.Warn("warn", Int64("i", 2))
	child.Error("error", Any("v", struct{}{}))
	assert.NoError(t, child.Sync())
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Same(t, logger, GetGlobalLogger())

	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())
}
