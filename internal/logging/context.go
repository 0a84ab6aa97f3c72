// Package logging carries workflow correlation ids on the context and
// injects them into slog records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	definitionIDKey
	stepKey
	agentIDKey
)

// WithInstanceID returns a context carrying the workflow instance id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithDefinitionID returns a context carrying the definition id.
func WithDefinitionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, definitionIDKey, id)
}

// WithStep returns a context carrying the current step name.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WithAgentID returns a context carrying the agent id.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// InstanceID extracts the instance id, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// DefinitionID extracts the definition id, or "" if absent.
func DefinitionID(ctx context.Context) string {
	v, _ := ctx.Value(definitionIDKey).(string)
	return v
}

// Step extracts the step name, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// AgentID extracts the agent id, or "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := InstanceID(ctx); v != "" {
		attrs = append(attrs, slog.String("instance_id", v))
	}
	if v := DefinitionID(ctx); v != "" {
		attrs = append(attrs, slog.String("definition_id", v))
	}
	if v := Step(ctx); v != "" {
		attrs = append(attrs, slog.String("step", v))
	}
	if v := AgentID(ctx); v != "" {
		attrs = append(attrs, slog.String("agent_id", v))
	}
	return attrs
}

// LogWith returns logger enriched with the correlation ids present on ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the context's
// correlation ids to every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds a correlation-aware logger. format is "json" or "text";
// level is debug, info, warn or error.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var inner slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		inner = slog.NewTextHandler(w, opts)
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(NewCorrelationHandler(inner)), nil
}
