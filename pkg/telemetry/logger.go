package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceFields returns trace_id and span_id of the recording span in ctx
func TraceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// LogWithTrace logs msg at level with the trace context of ctx appended
func LogWithTrace(ctx context.Context, logger *zap.Logger, level zapcore.Level, msg string, fields ...zap.Field) {
	logger.Log(level, msg, append(fields, TraceFields(ctx)...)...)
}

// InfoWithTrace logs at info level with trace context
func InfoWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.InfoLevel, msg, fields...)
}

// DebugWithTrace logs at debug level with trace context
func DebugWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.DebugLevel, msg, fields...)
}

// WarnWithTrace logs at warn level with trace context
func WarnWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.WarnLevel, msg, fields...)
}

// ErrorWithTrace logs at error level with trace context
func ErrorWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.ErrorLevel, msg, fields...)
}
