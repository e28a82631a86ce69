package logging

import (
	"context"
	"log/slog"

	"github.com/markersync/markersync/pkg/core"
)

// ContextProvider returns attributes evaluated at the moment a record is
// handled, such as the viewer signed in right now.
type ContextProvider func() []slog.Attr

// ContextHandler stamps each record with the provider's attributes. A key the
// call site already set on the record is not stamped again, so an explicit
// viewer= in a log call wins over the session's.
type ContextHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{inner: inner, provider: provider}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider == nil {
		return h.inner.Handle(ctx, r)
	}
	set := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		set[a.Key] = true
		return true
	})
	for _, a := range h.provider() {
		if !set[a.Key] {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{inner: h.inner.WithGroup(name), provider: h.provider}
}

// ViewerContext stamps the viewer returned by current on every record.
func ViewerContext(current func() core.Viewer) ContextProvider {
	return func() []slog.Attr {
		v := current()
		if v.IsAnonymous() {
			return []slog.Attr{slog.String("viewer", "anonymous")}
		}
		attrs := []slog.Attr{slog.String("viewer", v.ID)}
		if v.Admin {
			attrs = append(attrs, slog.Bool("admin", true))
		}
		return attrs
	}
}
