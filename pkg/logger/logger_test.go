package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" DEBUG ", LevelDebug},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
	assert.Equal(t, "WARN", LevelWarn.String())
}

func TestLogger_FieldsAndNames(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).Named("pipeline").With(Component("dispatcher"))

	log.Info("activity recorded", UserID("u1"), PointsAmount(15), Err(errors.New("partial")))
	log.Debug("skipped")

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "pipeline", first.LoggerName)
	assert.Equal(t, "activity recorded", first.Message)
	fields := first.ContextMap()
	assert.Equal(t, "dispatcher", fields["component"])
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, int64(15), fields["points"])
	assert.Equal(t, "partial", fields["error"])
}

func TestLogger_LevelFilters(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := FromZap(zap.New(core))

	log.Info("dropped")
	log.Warn("kept")
	log.Error("kept too")

	assert.Equal(t, 2, logs.Len())
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"production", "development", "dev"} {
		l, err := New(Options{Level: LevelDebug, Mode: mode})
		require.NoError(t, err, mode)
		assert.NotNil(t, l.Zap())
	}
}

func TestContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := NewNop().Named("x")
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}
