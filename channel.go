package serialtee

import "sync"

// DeliveryChannel is a single-slot conduit between the master reader and one
// delivery worker. Publishing overwrites whatever chunk is still pending, so
// the producer never blocks and the consumer only ever sees the most recent
// unconsumed chunk. Older chunks a slow consumer never got to are dropped
// entirely; delivered chunks preserve publish order.
//
// One goroutine publishes, one goroutine receives. Publish is additionally
// safe for concurrent callers.
type DeliveryChannel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunk  *Chunk // nil = consumed, non-nil = pending
	closed bool

	consecutiveDrops uint64 // streak of overwritten chunks, resets on receive
	totalDrops       uint64
}

// NewDeliveryChannel creates an empty delivery channel.
func NewDeliveryChannel() *DeliveryChannel {
	ch := &DeliveryChannel{}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

// Publish places a chunk in the slot, overwriting any pending chunk, and wakes
// the receiver. It never blocks. Publishing to a closed channel is a no-op.
func (ch *DeliveryChannel) Publish(c *Chunk) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return
	}
	if ch.chunk != nil {
		ch.consecutiveDrops++
		ch.totalDrops++
	}
	ch.chunk = c
	ch.cond.Signal()
}

// Receive blocks until a chunk is pending or the channel is closed.
// It returns nil once the channel is closed.
func (ch *DeliveryChannel) Receive() *Chunk {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for ch.chunk == nil && !ch.closed {
		ch.cond.Wait()
	}
	if ch.chunk == nil {
		return nil
	}
	c := ch.chunk
	ch.chunk = nil
	ch.consecutiveDrops = 0
	return c
}

// Close wakes a blocked receiver and makes further publishes no-ops.
// A chunk still pending at close time is discarded. Safe to call repeatedly.
func (ch *DeliveryChannel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closed = true
	ch.chunk = nil
	ch.cond.Broadcast()
}

// Drops reports the current overwrite streak and the lifetime overwrite count.
func (ch *DeliveryChannel) Drops() (consecutive, total uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consecutiveDrops, ch.totalDrops
}
