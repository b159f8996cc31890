// Package settlement drains the usage queue and forwards entries to the
// authority in batches.
//
// Delivery is at-least-once: a batch is acked only after the authority
// answers 2xx; anything else leaves the batch pending and the reclaim sweep
// redelivers it. Entries that exhaust their delivery budget move to the dead
// stream where they stay inspectable — never a silent drop.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/authority"
	"github.com/nulpointcorp/edge-gateway/internal/usage"
)

// Defaults per the settlement contract: batches of up to 100, flush after
// 30 s, up to 3 redeliveries.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxDeliveries = 3
)

// Archiver receives successfully settled entries. May be nil.
type Archiver interface {
	Archive(ctx context.Context, entries []usage.LogEntry) error
}

// Observer receives settlement outcomes for metrics. May be nil.
type Observer interface {
	SettlementBatch(outcome string)
	UsageEvent(event string, n int)
}

// Options tune a Consumer. Zero values fall back to the defaults above.
type Options struct {
	ConsumerName  string
	BatchSize     int
	FlushInterval time.Duration
	// ReclaimMinIdle is how long a pending entry must sit untouched before
	// the sweep redelivers it. Defaults to FlushInterval.
	ReclaimMinIdle time.Duration
	MaxDeliveries  int64
	Archive        Archiver
	Observer       Observer
}

// Consumer is the settlement loop.
type Consumer struct {
	queue *usage.Queue
	auth  *authority.Client
	log   *slog.Logger

	name          string
	batchSize     int
	flushInterval time.Duration
	reclaimIdle   time.Duration
	maxDeliveries int64

	archive Archiver
	obs     Observer
}

// New creates a Consumer. auth must be non-nil but may be unconfigured — an
// unconfigured authority nacks every batch, because absorbing a configuration
// error would silently discard billing data.
func New(q *usage.Queue, auth *authority.Client, log *slog.Logger, opts Options) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	c := &Consumer{
		queue:         q,
		auth:          auth,
		log:           log,
		name:          opts.ConsumerName,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		reclaimIdle:   opts.ReclaimMinIdle,
		maxDeliveries: opts.MaxDeliveries,
		archive:       opts.Archive,
		obs:           opts.Observer,
	}
	if c.name == "" {
		c.name = "settlement-1"
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.flushInterval <= 0 {
		c.flushInterval = DefaultFlushInterval
	}
	if c.reclaimIdle <= 0 {
		c.reclaimIdle = c.flushInterval
	}
	if c.maxDeliveries <= 0 {
		c.maxDeliveries = DefaultMaxDeliveries
	}
	return c
}

// Run blocks until ctx is cancelled, alternating between reading fresh
// entries and sweeping pending ones.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.queue.Read(ctx, c.name, c.batchSize, c.flushInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("settlement_read_error", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if len(msgs) > 0 {
			c.deliver(ctx, msgs)
		}

		c.sweep(ctx)
	}
}

// RunOnce performs a single sweep-read-deliver cycle. Used by tests. The
// sweep runs first, so an entry nacked by this cycle's delivery stays pending
// until the next call.
func (c *Consumer) RunOnce(ctx context.Context) error {
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	c.sweep(ctx)
	msgs, err := c.queue.Read(ctx, c.name, c.batchSize, 0)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		c.deliver(ctx, msgs)
	}
	return nil
}

// sweep redelivers pending entries past their idle threshold and dead-letters
// entries that exhausted their delivery budget.
func (c *Consumer) sweep(ctx context.Context) {
	msgs, err := c.queue.Reclaim(ctx, c.name, c.reclaimIdle, c.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("settlement_reclaim_error", slog.String("error", err.Error()))
		}
		return
	}
	if len(msgs) == 0 {
		return
	}

	live := msgs[:0]
	for _, m := range msgs {
		if m.Deliveries > c.maxDeliveries {
			if err := c.queue.DeadLetter(ctx, m); err != nil {
				c.log.Error("settlement_dead_letter_error",
					slog.String("request_id", m.Entry.RequestID),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.log.Warn("settlement_entry_dead",
				slog.String("request_id", m.Entry.RequestID),
				slog.Int64("deliveries", m.Deliveries),
			)
			c.observeEvent("dead", 1)
			continue
		}
		live = append(live, m)
	}

	if len(live) > 0 {
		c.observeEvent("redelivered", len(live))
		c.deliver(ctx, live)
	}
}

// deliver POSTs one batch and acks or nacks it atomically. A nack is simply
// not acking: the entries stay pending for the sweep.
func (c *Consumer) deliver(ctx context.Context, msgs []usage.Message) {
	defer func() {
		if r := recover(); r != nil {
			// An unexpected panic must behave as a nack, not an ack.
			c.log.Error("settlement_deliver_panic", slog.Any("panic", r))
			c.observeBatch("nacked")
		}
	}()

	if !c.auth.Configured() {
		c.log.Error("settlement_not_configured",
			slog.Int("entries", len(msgs)),
		)
		c.observeBatch("nacked")
		return
	}

	entries := make([]usage.LogEntry, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		entries[i] = m.Entry
		ids[i] = m.ID
	}

	processed, err := c.auth.SettleUsage(ctx, entries)
	if err != nil {
		c.log.Warn("settlement_post_failed",
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()),
		)
		c.observeBatch("nacked")
		return
	}

	if err := c.queue.Ack(ctx, ids...); err != nil {
		// The authority settled the batch but the ack failed; the sweep will
		// redeliver and the authority sees a duplicate — acceptable under
		// at-least-once.
		c.log.Error("settlement_ack_failed", slog.String("error", err.Error()))
		return
	}

	c.log.Info("settlement_batch_ok",
		slog.Int("entries", len(entries)),
		slog.Int("processed", processed),
	)
	c.observeBatch("acked")
	c.observeEvent("settled", len(entries))

	if c.archive != nil {
		if err := c.archive.Archive(ctx, entries); err != nil {
			c.log.Warn("settlement_archive_failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Consumer) observeBatch(outcome string) {
	if c.obs != nil {
		c.obs.SettlementBatch(outcome)
	}
}

func (c *Consumer) observeEvent(event string, n int) {
	if c.obs != nil {
		c.obs.UsageEvent(event, n)
	}
}
