package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON on stdout unless
// cfg.LogFormat is "console". An unknown level falls back to info.
//
// Levels:
//   - error: rollback failures, 5xx responses, recovered panics
//   - warn:  lock backend failures, failed definition reloads
//   - info:  applied actions, served requests, definition loads
//   - debug: inbound action payloads (redacted), failed invocations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if strings.EqualFold(cfg.LogFormat, "console") {
		encoding = "console"
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build(zap.Fields(zap.String("service", "stepflow")))
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger of ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the logger of ctx enriched with the identity,
// correlation id, locale and trace id of its request context.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{zap.String("correlation_id", rctx.CorrelationID)}
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.Locale != "" {
		fields = append(fields, zap.String("locale", rctx.Locale))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// ActionLogger returns the logger of ctx scoped to one action of a step.
func ActionLogger(ctx context.Context, fallback *zap.Logger, stepID string, action model.Action) *zap.Logger {
	return LoggerFrom(ctx, fallback).With(
		zap.String("step_id", stepID),
		zap.String("action", string(action)),
	)
}

// redactedKeys are field names whose values never reach the logs. Keys
// compare case-insensitively.
var redactedKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"session":       true,
	"cookie":        true,
	"credit_card":   true,
	"ssn":           true,
	"pin":           true,
}

// RedactBody returns a copy of body for debug logging with the values of
// sensitive keys, plus any of extra, replaced by "[REDACTED]". Nested
// objects, including those inside arrays, are redacted too.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := redactedKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(redactedKeys)+len(extra))
		for k := range redactedKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}
	return redactMap(body, keys)
}

func redactMap(body map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if keys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	default:
		return v
	}
}
