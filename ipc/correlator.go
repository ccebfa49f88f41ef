package ipc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lcx/btpm/metrics"
)

var (
	ErrTimeout   = errors.New("ipc: response timeout")
	ErrTransport = errors.New("ipc: transport error")
	ErrClosed    = errors.New("ipc: closed")
	errDupWaiter = errors.New("ipc: message id already pending")
)

// defaultPendingTTL bounds how long an orphaned waiter can linger.
const defaultPendingTTL = 5 * time.Minute

// Correlator pairs outgoing requests with their responses by message id.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint32
	pending *gocache.Cache
	closed  bool
}

// NewCorrelator builds a correlator whose pending entries expire after ttl
// unless a caller deregisters them first. ttl <= 0 uses five minutes.
// Expired entries are swept on Register; the cache runs no janitor goroutine.
func NewCorrelator(ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &Correlator{
		nextID:  1,
		pending: gocache.New(ttl, 0),
	}
}

// NextMessageID hands out request ids: 1, 2, ... wrapping before the response bit.
func (c *Correlator) NextMessageID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID = NextID(id)
	return id
}

func waiterKey(id uint32) string {
	return strconv.FormatUint(uint64(id&^ResponseMask), 10)
}

// Register creates the waiter for id. The returned channel receives exactly one
// response, or is closed when the correlator gives up on every waiter.
func (c *Correlator) Register(id uint32) (<-chan *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.pending.DeleteExpired()
	ch := make(chan *Message, 1)
	if err := c.pending.Add(waiterKey(id), ch, gocache.DefaultExpiration); err != nil {
		return nil, errDupWaiter
	}
	metrics.UpdateGaugeWithGroup("ipc", "pending_requests", metrics.Value(c.pending.ItemCount()))
	return ch, nil
}

// Deregister drops the waiter for id, if any.
func (c *Correlator) Deregister(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Delete(waiterKey(id))
	metrics.UpdateGaugeWithGroup("ipc", "pending_requests", metrics.Value(c.pending.ItemCount()))
}

// Deliver hands a response to its waiter. It reports false when nobody waits for it.
func (c *Correlator) Deliver(msg *Message) bool {
	if !msg.IsResponse() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := waiterKey(msg.MessageID)
	v, ok := c.pending.Get(key)
	if !ok {
		return false
	}
	c.pending.Delete(key)
	v.(chan *Message) <- msg
	return true
}

// PendingCount is the number of requests still waiting.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.ItemCount()
}

// FailAll wakes every waiter with ErrClosed, e.g. when the connection drops.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAllLocked()
}

func (c *Correlator) failAllLocked() {
	for _, item := range c.pending.Items() {
		close(item.Object.(chan *Message))
	}
	c.pending.Flush()
}

// Close fails every waiter and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.failAllLocked()
}

// Call sends req through send and waits for the matching response.
// The waiter is always gone when Call returns.
func (c *Correlator) Call(ctx context.Context, send func(*Message) error, req *Message, timeout time.Duration) (*Message, error) {
	ch, err := c.Register(req.MessageID)
	if err != nil {
		return nil, err
	}
	defer c.Deregister(req.MessageID)

	start := time.Now()
	if err := send(req); err != nil {
		metrics.IncrCounterWithGroup("ipc", "request_send_error_total", 1)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		metrics.RecordStopwatchWithGroup("ipc", "request_time", start)
		return res, nil
	case <-timer.C:
		metrics.IncrCounterWithGroup("ipc", "request_timeout_total", 1)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
