package async

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/ledger"
)

type collecting struct {
	mu      sync.Mutex
	records []ledger.UsageRecord
	block   chan struct{}
}

func (c *collecting) Record(_ context.Context, rec ledger.UsageRecord) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *collecting) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestCloseDrainsQueue(t *testing.T) {
	sink := &collecting{}
	r := New(sink, Config{BatchSize: 7, FlushInterval: time.Hour, Workers: 3})
	for i := 0; i < 50; i++ {
		r.Record(context.Background(), ledger.UsageRecord{ID: fmt.Sprint(i)})
	}
	require.NoError(t, r.Close())
	assert.Equal(t, 50, sink.len())
	written, dropped := r.Stats()
	assert.Equal(t, int64(50), written)
	assert.Zero(t, dropped)

	// Closed recorders drop instead of panicking.
	r.Record(context.Background(), ledger.UsageRecord{ID: "late"})
	_, dropped = r.Stats()
	assert.Equal(t, int64(1), dropped)
	require.NoError(t, r.Close())
}

func TestFlushInterval(t *testing.T) {
	sink := &collecting{}
	r := New(sink, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = r.Close() })
	r.Record(context.Background(), ledger.UsageRecord{ID: "one"})

	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFullQueueDrops(t *testing.T) {
	sink := &collecting{block: make(chan struct{})}
	r := New(sink, Config{BatchSize: 1, QueueSize: 1, FlushInterval: time.Hour})

	// The worker takes the first record and blocks in the sink; the second
	// fills the queue; the rest are dropped.
	r.Record(context.Background(), ledger.UsageRecord{ID: "first"})
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		r.Record(context.Background(), ledger.UsageRecord{ID: fmt.Sprint(i)})
	}
	_, dropped := r.Stats()
	assert.Equal(t, int64(4), dropped)

	close(sink.block)
	require.NoError(t, r.Close())
	assert.Equal(t, 2, sink.len())
}
