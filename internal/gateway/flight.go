package gateway

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flights deduplicates concurrent work per key. The shared work runs on a
// context owned by the flight, detached from any single caller and cancelled
// only when the last waiter leaves.
type flights struct {
	group singleflight.Group

	mu     sync.Mutex
	seq    uint64
	active map[string]*flight
}

type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// do runs fn once for all concurrent callers of key. A caller whose ctx ends
// first gets its context error; the others keep waiting for the result.
func (f *flights) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	f.mu.Lock()
	if f.active == nil {
		f.active = make(map[string]*flight)
	}
	fl, ok := f.active[key]
	if !ok {
		f.seq++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{id: f.seq, ctx: fctx, cancel: cancel}
		f.active[key] = fl
	}
	fl.waiters++
	// A cancelled flight may still be unwinding inside the group; the id keeps
	// new callers off it.
	ch := f.group.DoChan(key+"#"+strconv.FormatUint(fl.id, 10), func() (any, error) {
		return fn(fl.ctx)
	})
	f.mu.Unlock()
	defer f.leave(key, fl)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (f *flights) leave(key string, fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.active[key] == fl {
		delete(f.active, key)
	}
}
