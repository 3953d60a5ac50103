package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_NonEmptyAndUnique(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestWithID_RoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc123")

	id, ok := ID(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc123", id)
}

func TestID_AbsentFromBareContext(t *testing.T) {
	_, ok := ID(context.Background())
	assert.False(t, ok)
}

func TestHandler_InjectsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNewID(context.Background())
	logger.InfoContext(ctx, "sync pass started")

	id, _ := ID(ctx)
	assert.Contains(t, buf.String(), `"correlation_id":"`+id+`"`)
}

func TestHandler_NoIDNoAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain record")

	assert.NotContains(t, buf.String(), "correlation_id")
}
