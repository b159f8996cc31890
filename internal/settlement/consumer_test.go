package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/edge-gateway/internal/authority"
	"github.com/nulpointcorp/edge-gateway/internal/usage"
)

// settleServer is an authority settle endpoint answering a programmable
// sequence of statuses and recording the entry batches it received.
type settleServer struct {
	srv      *httptest.Server
	statuses chan int
	batches  atomic.Int64
	entries  atomic.Int64
}

func newSettleServer(t *testing.T, statuses ...int) *settleServer {
	t.Helper()
	ss := &settleServer{statuses: make(chan int, len(statuses))}
	for _, s := range statuses {
		ss.statuses <- s
	}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Entries []usage.LogEntry `json:"entries"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ss.batches.Add(1)

		status := http.StatusOK
		select {
		case status = <-ss.statuses:
		default:
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		ss.entries.Add(int64(len(req.Entries)))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"processedCount": len(req.Entries),
		})
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

func newTestConsumer(t *testing.T, auth *authority.Client, opts Options) (*Consumer, *usage.Queue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := usage.NewQueue(rdb)
	if opts.ReclaimMinIdle == 0 {
		opts.ReclaimMinIdle = time.Millisecond
	}
	return New(q, auth, nil, opts), q, rdb
}

func entry(id string) usage.LogEntry {
	return usage.LogEntry{
		RequestID:    id,
		Timestamp:    1700000000000,
		ProviderName: "deepseek",
		ModelName:    "deepseek/deepseek-chat",
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	}
}

// TestSettleAck verifies a 2xx settle acks and destroys the batch.
func TestSettleAck(t *testing.T) {
	ss := newSettleServer(t)
	auth := authority.New(ss.srv.URL, "secret")
	c, q, _ := newTestConsumer(t, auth, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, entry("chatcmpl-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := ss.entries.Load(); got != 1 {
		t.Fatalf("settled entries = %d, want 1", got)
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth = %d after ack, want 0", depth)
	}
}

// TestSettleRetry is the redelivery scenario: the authority answers 503
// first, the batch is nacked, the sweep redelivers it, the second attempt
// succeeds and the message is acked exactly once.
func TestSettleRetry(t *testing.T) {
	ss := newSettleServer(t, http.StatusServiceUnavailable)
	auth := authority.New(ss.srv.URL, "secret")
	c, q, _ := newTestConsumer(t, auth, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, entry("chatcmpl-retry")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First cycle: delivery fails, entry stays pending.
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("nacked entry vanished, depth = %d", depth)
	}

	time.Sleep(5 * time.Millisecond)

	// Second cycle: the sweep reclaims and redelivers; the authority is back.
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}

	if got := ss.batches.Load(); got != 2 {
		t.Fatalf("settle POSTs = %d, want 2", got)
	}
	if got := ss.entries.Load(); got != 1 {
		t.Fatalf("settled entries = %d, want exactly 1", got)
	}
	depth, _ = q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth = %d after redelivered ack, want 0", depth)
	}
}

// TestUnconfiguredNacks verifies that missing BACKEND_URL/INTERNAL_SECRET is
// treated as a delivery failure, never an ack.
func TestUnconfiguredNacks(t *testing.T) {
	auth := authority.New("", "")
	c, q, _ := newTestConsumer(t, auth, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, entry("chatcmpl-cfg")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("configuration error was absorbed, depth = %d, want 1", depth)
	}
}

// TestDeadLetterAfterMaxDeliveries verifies the bounded-retry backstop: an
// entry that keeps failing moves to the dead stream instead of spinning
// forever, and the main stream drains.
func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	// Always failing.
	ss := newSettleServer(t,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable,
	)
	auth := authority.New(ss.srv.URL, "secret")
	c, q, rdb := newTestConsumer(t, auth, Options{MaxDeliveries: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, entry("chatcmpl-dead")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := c.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		time.Sleep(3 * time.Millisecond)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("exhausted entry still on main stream, depth = %d", depth)
	}
	deadLen, err := rdb.XLen(ctx, usage.DefaultDeadStream).Result()
	if err != nil {
		t.Fatalf("XLen dead: %v", err)
	}
	if deadLen != 1 {
		t.Fatalf("dead stream length = %d, want 1", deadLen)
	}
}

// TestEmptyQueueNoPost verifies an empty batch is a no-op success.
func TestEmptyQueueNoPost(t *testing.T) {
	ss := newSettleServer(t)
	auth := authority.New(ss.srv.URL, "secret")
	c, _, _ := newTestConsumer(t, auth, Options{})

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := ss.batches.Load(); got != 0 {
		t.Fatalf("settle POSTs = %d, want 0", got)
	}
}
