package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are structured fields added to every log record emitted with a context
// that carries them.
type LogFields struct {
	Component  string  // e.g. "indexer.worker"
	Relay      *string // relay name or URL
	RepoDID    *string
	Collection *string
	Sequence   *int64
	Attempt    *int
}

// WithLogFields enriches ctx with fields. Later calls win for non-empty values.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields attached to ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if ctx == nil {
		return LogFields{}
	}
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.Component != "" {
		result.Component = next.Component
	}
	if next.Relay != nil {
		result.Relay = next.Relay
	}
	if next.RepoDID != nil {
		result.RepoDID = next.RepoDID
	}
	if next.Collection != nil {
		result.Collection = next.Collection
	}
	if next.Sequence != nil {
		result.Sequence = next.Sequence
	}
	if next.Attempt != nil {
		result.Attempt = next.Attempt
	}

	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s to maxLen bytes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
