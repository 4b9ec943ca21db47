package rediscache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("EXERCISE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXERCISE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c := New(rdb, "exercise-gateway-test:"+uuid.NewString()+":")
	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"kind":1,"text":"hola"}`), time.Minute))
	raw, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"kind":1,"text":"hola"}`, string(raw))
}
