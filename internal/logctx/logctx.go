package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	serverIDKey contextKey = "server_id"
	itemIDKey   contextKey = "item_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithServerID tags the context with the remote server being worked on.
// TraceHandler adds it to every record logged with this context.
func WithServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, serverIDKey, serverID)
}

// WithItemID tags the context with the media item being worked on.
func WithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemIDKey, itemID)
}

// ServerID returns the server id carried by ctx, if any.
func ServerID(ctx context.Context) string {
	id, _ := ctx.Value(serverIDKey).(string)
	return id
}

// ItemID returns the item id carried by ctx, if any.
func ItemID(ctx context.Context) string {
	id, _ := ctx.Value(itemIDKey).(string)
	return id
}
