package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo)

	logger.InfoContext(context.Background(), "sync finished", "synced", 3)

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "server_id")
	assert.Equal(t, "sync finished", entry["msg"])
	assert.EqualValues(t, 3, entry["synced"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo)

	logger.InfoContext(spanContext(t), "pushing progress")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_CorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo)

	ctx := WithItemID(WithServerID(context.Background(), "home"), "book-1")
	logger.WarnContext(ctx, "thumbnail generation failed")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "home", entry["server_id"])
	assert.Equal(t, "book-1", entry["item_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "downloader")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	grouped := withAttrs.WithGroup("download")
	require.IsType(t, &TraceHandler{}, grouped)

	slog.New(grouped).InfoContext(WithServerID(context.Background(), "home"), "done", "bytes", 10)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "downloader", entry["component"])

	group, ok := entry["download"].(map[string]any)
	require.True(t, ok, "expected download group, got %v", entry)
	assert.EqualValues(t, 10, group["bytes"])
	assert.Equal(t, "home", group["server_id"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}
