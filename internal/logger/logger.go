package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/torigood/PulseCall/internal/models"
)

// NewLogger builds the service logger.
// level: "debug", "info", "warn", "error" (default "info")
// format: "json" or "console" (default "json")
// serviceName is attached to every entry as service_name.
func NewLogger(level string, format string, serviceName string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
	} else {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}

	baseLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	if serviceName != "" {
		baseLogger = baseLogger.With(zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		baseLogger = baseLogger.With(zap.String("hostname", hostname))
	}

	return baseLogger, nil
}

// ForAttempt scopes a logger to one call attempt. Entries carry attempt_id,
// patient_id, retry_count and, once placed, external_call_id.
func ForAttempt(l *zap.Logger, a *models.CallAttempt) *zap.Logger {
	if a == nil {
		return l
	}
	fields := []zap.Field{
		zap.String("attempt_id", a.AttemptID),
		zap.String("patient_id", a.PatientID),
		zap.Int("retry_count", a.RetryCount),
	}
	if a.ExternalCallID != nil {
		fields = append(fields, zap.String("external_call_id", *a.ExternalCallID))
	}
	return l.With(fields...)
}

// Phone logs a phone number with all but the last four digits masked.
func Phone(key, number string) zap.Field {
	return zap.String(key, MaskPhone(number))
}

// MaskPhone masks every digit except the last four, keeping separators:
// "+15550001234" -> "+*******1234". Numbers of four digits or fewer are
// masked entirely.
func MaskPhone(number string) string {
	digits := 0
	for i := 0; i < len(number); i++ {
		if isDigit(number[i]) {
			digits++
		}
	}
	keep := 4
	if digits <= keep {
		keep = 0
	}

	out := []byte(number)
	for i := len(out) - 1; i >= 0; i-- {
		if !isDigit(out[i]) {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		out[i] = '*'
	}
	return string(out)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
