package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	correlationIDKey struct{}
	operatorKey      struct{}
)

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// EnsureCorrelationID returns ctx unchanged when it already carries a correlation ID,
// otherwise a copy carrying a fresh one.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if _, ok := CorrelationIDFromContext(ctx); ok {
		return ctx
	}
	return WithCorrelationID(ctx, uuid.NewString())
}

// WithOperator records the user on whose behalf engine calls run. Logs are enriched
// with it, and audit columns fall back to it when a request carries no operator.
func WithOperator(ctx context.Context, userID int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, operatorKey{}, userID)
}

func OperatorFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}

	userID, ok := ctx.Value(operatorKey{}).(int64)
	return userID, ok
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 2)
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if operator, ok := OperatorFromContext(ctx); ok {
		fields = append(fields, zap.Int64("operatorUserId", operator))
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}
