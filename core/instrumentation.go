package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/koscakluka/voicelink/core"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

// levelHandler drops records below the configured device log level before
// they reach the wrapped handler.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func newLevelHandler(handler slog.Handler, level slog.Leveler) *levelHandler {
	if h, ok := handler.(*levelHandler); ok {
		handler = h.handler
	}
	return &levelHandler{level: level, handler: handler}
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newLevelHandler(h.handler.WithAttrs(attrs), h.level)
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return newLevelHandler(h.handler.WithGroup(name), h.level)
}
