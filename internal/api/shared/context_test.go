package shared

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx), "Expected empty trace ID in original context")

	ctxWithTrace := SetTraceID(ctx)
	traceID := GetTraceID(ctxWithTrace)
	assert.Len(t, traceID, 32, "Expected trace ID length to be 32 hex characters (16 bytes)")
	_, err := hex.DecodeString(traceID)
	assert.NoError(t, err)

	assert.Empty(t, GetTraceID(ctx), "Expected original context to remain unchanged")
}

func TestGetTraceIDWithInvalidContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, 123)
	assert.Empty(t, GetTraceID(ctx))
}

func TestTraceIDsAreUnique(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool, iterations)
	for i := 0; i < iterations; i++ {
		id := generateTraceID()
		require.False(t, seen[id], "duplicate trace id %s", id)
		seen[id] = true
	}
}

func TestOwnerID(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, ok := OwnerID(context.Background())
		assert.False(t, ok)
	})

	t.Run("nil uuid", func(t *testing.T) {
		_, ok := OwnerID(WithOwnerID(context.Background(), uuid.Nil))
		assert.False(t, ok)
	})

	t.Run("wrong type", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), OwnerIDContextKey, "not-a-uuid")
		_, ok := OwnerID(ctx)
		assert.False(t, ok)
	})

	t.Run("present", func(t *testing.T) {
		id := uuid.New()
		got, ok := OwnerID(WithOwnerID(context.Background(), id))
		assert.True(t, ok)
		assert.Equal(t, id, got)
	})
}
