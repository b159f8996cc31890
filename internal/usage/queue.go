package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the Redis stream holding pending usage entries.
	DefaultStream = "usage:stream"
	// DefaultGroup is the settlement consumer group.
	DefaultGroup = "settlement"
	// DefaultDeadStream receives entries that exhausted their deliveries.
	DefaultDeadStream = "usage:dead"

	entryField = "entry"
)

// Message is a queued usage entry together with its stream id and how many
// times it has been delivered to the consumer group.
type Message struct {
	ID         string
	Entry      LogEntry
	Deliveries int64
}

// Queue is the at-least-once usage queue, built on a Redis stream with a
// consumer group. Producers XADD entries; the settlement consumer reads them
// in batches, acks on success and leaves them pending on failure so the
// reclaim sweep redelivers them.
type Queue struct {
	rdb        *redis.Client
	stream     string
	group      string
	deadStream string
}

// NewQueue creates a Queue over the given Redis client using the default
// stream, group, and dead-letter stream names.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:        rdb,
		stream:     DefaultStream,
		group:      DefaultGroup,
		deadStream: DefaultDeadStream,
	}
}

// EnsureGroup creates the consumer group if it does not exist yet.
// Safe to call repeatedly.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("usage: create group: %w", err)
	}
	return nil
}

// Enqueue appends the entry to the stream. Ownership of the entry transfers
// to the queue; the settlement consumer destroys it on successful POST.
func (q *Queue) Enqueue(ctx context.Context, e LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("usage: marshal entry: %w", err)
	}
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{entryField: data},
	}).Err(); err != nil {
		return fmt.Errorf("usage: enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch appends entries in a single pipeline round trip.
func (q *Queue) EnqueueBatch(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("usage: marshal entry: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{entryField: data},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: enqueue batch: %w", err)
	}
	return nil
}

// Read blocks up to block for new messages and returns at most count of them.
// A non-positive block reads without blocking. Returns an empty slice when
// the block timeout elapses with nothing new.
func (q *Queue) Read(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error) {
	if block <= 0 {
		block = -1 // non-blocking
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: read group: %w", err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, xm := range s.Messages {
			m, err := decodeMessage(xm)
			if err != nil {
				// Malformed entry: ack it away so it cannot wedge the group.
				_ = q.Ack(ctx, xm.ID)
				continue
			}
			m.Deliveries = 1
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// Reclaim transfers messages that have been pending for at least minIdle to
// the given consumer and returns them with their delivery counts, so the
// consumer can redeliver or dead-letter them.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	// The idle threshold is enforced by XCLAIM below; XPENDING just lists
	// candidates with their delivery counts.
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}

	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("usage: xclaim: %w", err)
	}

	var msgs []Message
	for _, xm := range claimed {
		m, err := decodeMessage(xm)
		if err != nil {
			_ = q.Ack(ctx, xm.ID)
			continue
		}
		m.Deliveries = deliveries[xm.ID]
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Ack acknowledges the given message ids and deletes them from the stream.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, ids...)
	pipe.XDel(ctx, q.stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: ack: %w", err)
	}
	return nil
}

// DeadLetter moves the message to the dead stream and acknowledges it.
// Used when a message exhausts its delivery budget; the dead stream keeps it
// inspectable instead of dropping it silently.
func (q *Queue) DeadLetter(ctx context.Context, m Message) error {
	data, err := json.Marshal(m.Entry)
	if err != nil {
		return fmt.Errorf("usage: marshal dead entry: %w", err)
	}
	pipe := q.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream,
		Values: map[string]any{entryField: data},
	})
	pipe.XAck(ctx, q.stream, q.group, m.ID)
	pipe.XDel(ctx, q.stream, m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: dead letter: %w", err)
	}
	return nil
}

// Depth returns the current stream length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("usage: xlen: %w", err)
	}
	return n, nil
}

func decodeMessage(xm redis.XMessage) (Message, error) {
	raw, ok := xm.Values[entryField].(string)
	if !ok {
		return Message{}, fmt.Errorf("usage: message %s has no entry field", xm.ID)
	}
	var e LogEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Message{}, fmt.Errorf("usage: decode message %s: %w", xm.ID, err)
	}
	return Message{ID: xm.ID, Entry: e}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
