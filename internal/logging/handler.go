// Package logging builds the structured slog logger shared by every binary.
// Records carry the service name and, when a span is active, its trace and span ids.
// When an OTel LoggerProvider is supplied, each record is also emitted as an OTel log record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// Options configures New.
type Options struct {
	Service string
	// Format is "json" (default) or "text".
	Format string
	Level  slog.Level
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// OTel, when non-nil, receives a copy of every record.
	OTel otellog.LoggerProvider
}

type traceHandler struct {
	handler slog.Handler
	service string
	otel    otellog.Logger
	attrs   []slog.Attr
	group   string
}

// New returns a logger writing to opts.Writer in the configured format.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	var base slog.Handler
	if opts.Format == "text" {
		base = slog.NewTextHandler(w, hopts)
	} else {
		base = slog.NewJSONHandler(w, hopts)
	}
	h := &traceHandler{handler: base, service: opts.Service}
	if opts.OTel != nil {
		h.otel = opts.OTel.Logger("clinix/" + opts.Service)
	}
	return slog.New(h)
}

// Handle adds service and trace context, then writes the record.
func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("service", h.service))
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanCtx.SpanID().String()))
	}
	if h.otel != nil {
		h.otel.Emit(ctx, h.toOTel(r))
	}
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) toOTel(r slog.Record) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, a := range h.attrs {
		rec.AddAttributes(otellog.String(prefix+a.Key, a.Value.String()))
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(otellog.String(prefix+a.Key, a.Value.String()))
		return true
	})
	return rec
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// Enabled reports whether the wrapped handler accepts level.
func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs returns a handler carrying attrs on every record.
func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &traceHandler{
		handler: h.handler.WithAttrs(attrs),
		service: h.service,
		otel:    h.otel,
		attrs:   merged,
		group:   h.group,
	}
}

// WithGroup returns a handler nesting subsequent attrs under name.
func (h *traceHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &traceHandler{
		handler: h.handler.WithGroup(name),
		service: h.service,
		otel:    h.otel,
		attrs:   h.attrs,
		group:   group,
	}
}

// Discard returns a logger that drops everything. Tests only.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
