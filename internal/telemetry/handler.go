package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bissquit/trackbuffer/internal/domain"
)

// CategoryKey is the attribute that sets the category of a captured entry.
const CategoryKey = "category"

// LogHandler is a slog.Handler that captures records into a LogBuffer so
// they are delivered with the rest of the telemetry.
type LogHandler struct {
	buf    *LogBuffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler creates a handler that captures records at or above level.
func NewLogHandler(buf *LogBuffer, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{buf: buf, level: level}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	var category *domain.LogCategory
	var sb strings.Builder
	sb.WriteString(r.Message)

	takeCategory := func(a slog.Attr) bool {
		if a.Key != CategoryKey {
			return false
		}
		c, err := domain.ParseLogCategory(a.Value.String())
		if err != nil {
			return false
		}
		category = &c
		return true
	}

	for _, a := range h.attrs {
		if !takeCategory(a) {
			appendAttr(&sb, "", a)
		}
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		if prefix != "" || !takeCategory(a) {
			appendAttr(&sb, prefix, a)
		}
		return true
	})

	createdAt := r.Time
	if createdAt.IsZero() {
		createdAt = h.buf.clock.Now()
	}
	h.buf.WriteEntry(domain.NewLogEntry(toLogLevel(r.Level), sb.String(), category, createdAt))
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a.Key = strings.Join(h.groups, ".") + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(sb, key, ga)
		}
		return
	}
	fmt.Fprintf(sb, " %s=%v", key, a.Value.Any())
}

func toLogLevel(l slog.Level) domain.LogLevel {
	switch {
	case l >= slog.LevelError:
		return domain.LogLevelError
	case l >= slog.LevelWarn:
		return domain.LogLevelWarning
	case l >= slog.LevelInfo:
		return domain.LogLevelInfo
	default:
		return domain.LogLevelDebug
	}
}

// FanoutHandler passes every record to all handlers that accept its level.
type FanoutHandler struct {
	handlers []slog.Handler
}

// NewFanoutHandler creates a handler writing to each of handlers.
func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{handlers: handlers}
}

// Enabled implements slog.Handler.
func (f *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (f *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

// WithAttrs implements slog.Handler.
func (f *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: out}
}

// WithGroup implements slog.Handler.
func (f *FanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &FanoutHandler{handlers: out}
}
