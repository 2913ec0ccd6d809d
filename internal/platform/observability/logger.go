// Package observability wires zap logging and OpenTelemetry tracing into the HTTP stack.
package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skillbridge/api/internal/platform/requestctx"
)

// NewLogger builds a JSON zap logger using Cloud Logging field names. LOG_LEVEL selects the level
// (default info).
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger stores logger on ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext returns the request-scoped logger, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventFunc is the logging hook services accept: a dotted event name plus structured fields.
type EventFunc func(ctx context.Context, event string, fields map[string]any)

// EventLogger adapts zap to EventFunc. The request-scoped logger wins over base so request ids
// and trace ids follow service events. Events ending in ".failed", ".rejected" or ".error" log at
// error level; ".mock_mode" and ".disabled" log at warn.
func EventLogger(base *zap.Logger) EventFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, base)

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}

		switch {
		case hasAnySuffix(event, ".failed", ".rejected", ".error"):
			logger.Error(event, zapFields...)
		case hasAnySuffix(event, ".mock_mode", ".disabled", ".duplicate", ".degraded"):
			logger.Warn(event, zapFields...)
		default:
			logger.Info(event, zapFields...)
		}
	}
}

func hasAnySuffix(value string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(value, suffix) {
			return true
		}
	}
	return false
}

// RestyLogger satisfies resty.Logger on top of zap.
type RestyLogger struct {
	sugar *zap.SugaredLogger
}

// NewRestyLogger wraps logger for HTTP client diagnostics.
func NewRestyLogger(logger *zap.Logger) RestyLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return RestyLogger{sugar: logger.Sugar()}
}

func (l RestyLogger) Errorf(format string, v ...any) { l.sugar.Errorf(format, v...) }
func (l RestyLogger) Warnf(format string, v ...any)  { l.sugar.Warnf(format, v...) }
func (l RestyLogger) Debugf(format string, v ...any) { l.sugar.Debugf(format, v...) }
