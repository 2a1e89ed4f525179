package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/torigood/PulseCall/internal/models"
)

func TestNewLogger_Levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"unknown": zapcore.InfoLevel,
	}
	for level, want := range cases {
		l, err := NewLogger(level, "json", "pulsecall")
		require.NoError(t, err, level)
		assert.True(t, l.Core().Enabled(want), level)
		if want > zapcore.DebugLevel {
			assert.False(t, l.Core().Enabled(want-1), level)
		}
	}
}

func TestNewLogger_Console(t *testing.T) {
	l, err := NewLogger("debug", "console", "")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_LevelIsCaseInsensitive(t *testing.T) {
	l, err := NewLogger(" WARN ", "json", "pulsecall")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestForAttempt(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ForAttempt(base, &models.CallAttempt{AttemptID: "a1", PatientID: "p1", RetryCount: 2}).Info("queued")
	ForAttempt(base, &models.CallAttempt{AttemptID: "a2", PatientID: "p1", ExternalCallID: models.StringPtr("ext-9")}).Info("placed")
	ForAttempt(base, nil).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 3)

	first := entries[0].ContextMap()
	assert.Equal(t, "a1", first["attempt_id"])
	assert.Equal(t, "p1", first["patient_id"])
	assert.EqualValues(t, 2, first["retry_count"])
	assert.NotContains(t, first, "external_call_id")

	assert.Equal(t, "ext-9", entries[1].ContextMap()["external_call_id"])
	assert.Empty(t, entries[2].ContextMap())
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+15550001234":    "+*******1234",
		"(555) 000-1234":  "(***) ***-1234",
		"1234":            "****",
		"":                "",
		"+1 555 000 9999": "+* *** *** 9999",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskPhone(in), in)
	}
}

func TestPhoneField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("sms sent", Phone("to", "+15559999"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "+****9999", logs.All()[0].ContextMap()["to"])
}
