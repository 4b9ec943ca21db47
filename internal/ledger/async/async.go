// Package async puts a bounded queue and batch workers in front of a
// ledger.Recorder so usage recording stays off the request path.
package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/logging"
)

var _ ledger.Recorder = (*Recorder)(nil)

// Config configures the async recorder.
type Config struct {
	BatchSize     int           // records per flush (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	QueueSize     int           // queued records before new ones are dropped (default 10000)
	Workers       int           // parallel batch writers (default 1)
	Logger        *logrus.Entry
}

// Recorder queues records and writes them in batches. Records may be lost if
// the process dies before a flush; a full queue drops new records.
type Recorder struct {
	next          ledger.Recorder
	queue         chan ledger.UsageRecord
	batchSize     int
	flushInterval time.Duration
	logger        *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	written atomic.Int64
}

// New starts the workers.
func New(next ledger.Recorder, cfg Config) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	r := &Recorder{
		next:          next,
		queue:         make(chan ledger.UsageRecord, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        logging.OrDiscard(cfg.Logger).WithField("component", "ledger.async"),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.batchWriter(i)
	}
	r.logger.WithFields(logrus.Fields{
		"workers":        cfg.Workers,
		"batch_size":     cfg.BatchSize,
		"flush_interval": cfg.FlushInterval,
		"queue_size":     cfg.QueueSize,
	}).Info("async ledger started")
	return r
}

func (r *Recorder) batchWriter(worker int) {
	defer r.wg.Done()

	batch := make([]ledger.UsageRecord, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		ctx := context.Background()
		for _, rec := range batch {
			r.next.Record(ctx, rec)
		}
		r.written.Add(int64(len(batch)))
		r.logger.WithFields(logrus.Fields{
			"worker":  worker,
			"records": len(batch),
			"elapsed": time.Since(start),
		}).Debug("usage batch flushed")
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Record queues rec without blocking. The caller's context is not carried
// into the background write.
func (r *Recorder) Record(_ context.Context, rec ledger.UsageRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("async ledger closed, dropping usage record")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.WithField("action", rec.Action).Warn("async ledger queue full, dropping usage record")
	}
}

// Stats reports written and dropped record counts.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

// Close stops accepting records and waits until the queue is drained.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
