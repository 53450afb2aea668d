package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		enabled zapcore.Level
		off     zapcore.Level
	}{
		{"development default", Config{Development: true}, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"production default", Config{}, zapcore.InfoLevel, zapcore.DebugLevel},
		{"explicit level", Config{Level: "warn"}, zapcore.WarnLevel, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(tt.enabled))
			require.False(t, logger.Core().Enabled(tt.off))
		})
	}
}

func TestNew_BadLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}
