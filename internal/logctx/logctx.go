package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the channel, session and connection data
// carried on the context before passing them to the wrapped handler.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("chan",
			slog.String("id", cd.ChannelID),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("category", sd.Category),
			slog.String("identity", sd.Identity),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("role", cd.Role),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// New wraps logger so that it understands the context helpers in this
// package. A nil logger yields a wrapped slog.Default().
func New(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := logger.Handler().(Handler); ok {
		return logger
	}
	return slog.New(Handler{Handler: logger.Handler()})
}

type channelDataKey struct{}

type ChannelData struct {
	ChannelID string
}

func WithChannelData(ctx context.Context, data *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	Category string
	Identity string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies a store connection. Role is "publish" or "subscribe".
type ConnData struct {
	ConnID string
	Role   string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
