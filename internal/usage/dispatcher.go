package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Dispatcher hands usage entries to the queue without ever blocking the
// request hot path. Entries are written to an internal buffered channel and
// flushed to the queue in batches by a background goroutine. If the channel
// fills up (> 10 000 entries), new entries are dropped and counted in
// DroppedEntries — enqueue failure is log-and-drop, never a failed response.
type Dispatcher struct {
	ch        chan LogEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEntries int64

	baseCtx context.Context
	queue   *Queue
	log     *slog.Logger
}

// NewDispatcher starts the background flush goroutine.
func NewDispatcher(ctx context.Context, q *Queue, log *slog.Logger) (*Dispatcher, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("usage: queue must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		ch:      make(chan LogEntry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		queue:   q,
		log:     log,
	}

	d.wg.Add(1)
	go d.run()

	return d, nil
}

// Send hands an entry to the dispatcher. Never blocks.
func (d *Dispatcher) Send(entry LogEntry) {
	select {
	case d.ch <- entry:
	default:
		atomic.AddInt64(&d.droppedEntries, 1)
	}
}

// DroppedEntries returns the number of entries dropped due to backpressure.
func (d *Dispatcher) DroppedEntries() int64 {
	return atomic.LoadInt64(&d.droppedEntries)
}

// Close drains the channel and flushes the final batch.
// Safe to call multiple times.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.queue.EnqueueBatch(d.baseCtx, batch); err != nil {
			// Log-and-drop: a dead queue must not fail responses.
			atomic.AddInt64(&d.droppedEntries, int64(len(batch)))
			d.log.Error("usage_enqueue_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-d.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
