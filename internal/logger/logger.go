package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the handler installed by Setup.
type Options struct {
	Environment string // "production" selects JSON output
	Level       string // debug, info, warn, error
	ServiceName string
	OTelEnabled bool
	Output      io.Writer
}

func (o Options) isProduction() bool {
	env := strings.ToLower(strings.TrimSpace(o.Environment))
	return env == "production" || env == "prod"
}

// Setup installs the process-wide slog default.
func Setup(opts Options) {
	slog.SetDefault(slog.New(NewHandler(opts)))
}

// NewHandler builds the handler Setup would install.
func NewHandler(opts Options) slog.Handler {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	switch {
	case opts.isProduction() && opts.OTelEnabled:
		return otelslog.NewHandler(
			opts.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	case opts.isProduction():
		return NewTraceHandler(slog.NewJSONHandler(out, handlerOpts))
	default:
		return NewTraceHandler(slog.NewTextHandler(out, handlerOpts))
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.Relay != nil {
		r.AddAttrs(slog.String("relay", *fields.Relay))
	}
	if fields.RepoDID != nil {
		r.AddAttrs(slog.String("repo_did", *fields.RepoDID))
	}
	if fields.Collection != nil {
		r.AddAttrs(slog.String("collection", *fields.Collection))
	}
	if fields.Sequence != nil {
		r.AddAttrs(slog.Int64("seq", *fields.Sequence))
	}
	if fields.Attempt != nil {
		r.AddAttrs(slog.Int("attempt", *fields.Attempt))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
