package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)}).With("service", "test")

	ctx := AppendCtx(context.Background(), slog.String("runId", "run-1"))
	ctx = AppendCtx(ctx, slog.String("orderId", "WX1"))
	logger.InfoContext(ctx, "Processing order", "attempt", 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "Processing order", record["msg"])
	assert.Equal(t, "run-1", record["runId"])
	assert.Equal(t, "WX1", record["orderId"])
	assert.Equal(t, "test", record["service"])
	assert.EqualValues(t, 1, record["attempt"])
}

func TestAppendCtx_DoesNotLeakIntoParent(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("a", "1"))
	_ = AppendCtx(parent, slog.String("b", "2"))

	assert.Len(t, attrsFromContext(parent), 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
