package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across emfac.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldNode   = "node"
	FieldRun    = "run"
	FieldJobID  = "job_id"
	FieldItemID = "item_id"
	FieldProbe  = "probe"

	// Sets
	FieldSet     = "set"
	FieldState   = "state"
	FieldSection = "section"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldTick       = "tick"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldSize      = "size"
	FieldBatchSize = "batch_size"
	FieldBatch     = "batch"

	// Files and paths
	FieldPath = "path"

	// Thresholds
	FieldMetric    = "metric"
	FieldValue     = "value"
	FieldThreshold = "threshold"

	FieldSymbol = "symbol" // subsystem glyph (see package sym)
)

type contextKey string

const (
	nodeKey contextKey = "logger_node"
	runKey  contextKey = "logger_run"
)

// WithNode adds a node name to the context for logging
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// WithRun adds a run directory to the context for logging
func WithRun(ctx context.Context, run string) context.Context {
	return context.WithValue(ctx, runKey, run)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if node, ok := ctx.Value(nodeKey).(string); ok && node != "" {
		fields = append(fields, FieldNode, node)
	}
	if run, ok := ctx.Value(runKey).(string); ok && run != "" {
		fields = append(fields, FieldRun, run)
	}

	return fields
}

// LoggerFromContext returns base with fields extracted from context.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	counter := subset.NewCounter(..., logger.ComponentLogger("counter"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
