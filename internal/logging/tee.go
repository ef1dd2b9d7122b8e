package logging

import (
	"context"
	"errors"
	"log/slog"
)

// TeeHandler duplicates every record to a set of sinks. The session log file
// and the optional Graylog feed both hang off one logger through it.
type TeeHandler struct {
	sinks []slog.Handler
}

// NewTeeHandler builds a handler over the given sinks. Nil sinks are
// dropped, so optional outputs can be passed unconditionally.
func NewTeeHandler(sinks ...slog.Handler) *TeeHandler {
	kept := make([]slog.Handler, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &TeeHandler{sinks: kept}
}

// Enabled reports whether at least one sink wants the level.
func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range t.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every interested sink. A failing sink does
// not stop delivery to the others; the errors come back joined.
func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range t.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sinks := make([]slog.Handler, len(t.sinks))
	for i, s := range t.sinks {
		sinks[i] = s.WithAttrs(attrs)
	}
	return &TeeHandler{sinks: sinks}
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	sinks := make([]slog.Handler, len(t.sinks))
	for i, s := range t.sinks {
		sinks[i] = s.WithGroup(name)
	}
	return &TeeHandler{sinks: sinks}
}
