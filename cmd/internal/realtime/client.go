package realtime

import (
	"context"
	"sync"

	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"
)

// Outbound is one queued frame. MsgID is the persisted message id the frame
// carries, or 0 for control frames (session, history batch, errors).
type Outbound struct {
	Env   v1.Envelope
	MsgID int64
}

// Client is the transport handle of one websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
//
// The client also tracks which message ids actually reached the wire, so that a
// later recovery resumes from the last written message rather than the last queued one.
type Client struct {
	Send chan Outbound

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight map[int64]struct{} // queued, not yet written
	written  int64              // highest message id written
	missing  int64              // lowest message id lost by this client, 0 if none
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		Send:     make(chan Outbound, sendQueueSize),
		done:     make(chan struct{}),
		inflight: make(map[int64]struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue queues out without blocking. It reports false when the client is
// closing or its queue is full; a message lost that way is remembered as missing.
func (c *Client) TryEnqueue(out Outbound) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		c.noteMissing(out.MsgID)
		return false
	default:
	}

	c.track(out.MsgID)
	select {
	case c.Send <- out:
		return true
	default:
		c.untrack(out.MsgID)
		return false
	}
}

// Enqueue queues out, waiting for queue space until ctx ends or the client closes.
func (c *Client) Enqueue(ctx context.Context, out Outbound) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		c.noteMissing(out.MsgID)
		return false
	default:
	}

	c.track(out.MsgID)
	select {
	case <-ctx.Done():
	case <-c.done:
	case c.Send <- out:
		return true
	}
	c.untrack(out.MsgID)
	return false
}

// MarkWritten records that the frame carrying msgID reached the connection.
// The writer loop calls it after every successful write.
func (c *Client) MarkWritten(msgID int64) {
	if c == nil || msgID <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, msgID)
	if msgID > c.written {
		c.written = msgID
	}
}

// resumeFrom seeds the written watermark of a recovered session.
func (c *Client) resumeFrom(offset int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if offset > c.written {
		c.written = offset
	}
	c.mu.Unlock()
}

// watermark returns the highest message id below which nothing was lost:
// the last written id, capped under the lowest id that is still queued, was
// dropped, or is listed in pending.
func (c *Client) watermark(pending []int64) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	lowest := c.missing
	consider := func(id int64) {
		if id > 0 && (lowest == 0 || id < lowest) {
			lowest = id
		}
	}
	for id := range c.inflight {
		consider(id)
	}
	for _, id := range pending {
		consider(id)
	}

	if lowest > 0 && lowest-1 < c.written {
		return lowest - 1
	}
	return c.written
}

func (c *Client) track(msgID int64) {
	if msgID <= 0 {
		return
	}
	c.mu.Lock()
	c.inflight[msgID] = struct{}{}
	c.mu.Unlock()
}

// untrack moves a message that never made it into the queue to missing.
func (c *Client) untrack(msgID int64) {
	if msgID <= 0 {
		return
	}
	c.mu.Lock()
	delete(c.inflight, msgID)
	c.mu.Unlock()
	c.noteMissing(msgID)
}

func (c *Client) noteMissing(msgID int64) {
	if c == nil || msgID <= 0 {
		return
	}
	c.mu.Lock()
	if c.missing == 0 || msgID < c.missing {
		c.missing = msgID
	}
	c.mu.Unlock()
}
