package logging

import (
	"context"
	"log/slog"
)

// TagFunc resolves the attributes to stamp on a record at emit time. A
// session uses it to tag dispatcher records with its identity and whatever
// scene it is showing when the record is written.
type TagFunc func() []slog.Attr

// TagHandler decorates an inner handler with per-record tags.
type TagHandler struct {
	inner slog.Handler
	tags  TagFunc
}

func NewTagHandler(inner slog.Handler, tags TagFunc) *TagHandler {
	return &TagHandler{inner: inner, tags: tags}
}

func (h *TagHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps the resolved tags onto the record before delivery.
func (h *TagHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.tags != nil {
		if attrs := h.tags(); len(attrs) > 0 {
			r.AddAttrs(attrs...)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *TagHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TagHandler{inner: h.inner.WithAttrs(attrs), tags: h.tags}
}

func (h *TagHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TagHandler{inner: h.inner.WithGroup(name), tags: h.tags}
}
