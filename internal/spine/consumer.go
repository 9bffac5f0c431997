package spine

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foundryfi/titan-core/internal/metrics"
)

// pendingDelivery tracks one outstanding (unacked) delivery.
type pendingDelivery struct {
	record       Record
	deliverCount int
	deadline     time.Time
}

// DeadLetter is the shape copied into the DLQ subject (spec §4.C:
// "carrying the original headers, original sequence, the last failure
// reason, and an attempt count").
type DeadLetter struct {
	Original      Record `json:"original"`
	FailureReason string `json:"failure_reason"`
	DeliverCount  int    `json:"deliver_count"`
}

// Consumer is a named, durable, ordered subscription with explicit acks
// and bounded redelivery (spec §4.C).
type Consumer struct {
	name         string
	filterPrefix string
	ackWait      time.Duration
	maxDeliver   int

	mu          sync.Mutex
	handler     Handler
	onDeadLetter func(DeadLetter)
	queue       []Record // FIFO of records awaiting first delivery attempt
	pending     map[uint64]*pendingDelivery
	lastAckSeq  uint64
	redelivered uint64
	stopCh      chan struct{}
}

func newConsumer(name, filterPrefix string, ackWait time.Duration, maxDeliver int) *Consumer {
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	c := &Consumer{
		name:         name,
		filterPrefix: filterPrefix,
		ackWait:      ackWait,
		maxDeliver:   maxDeliver,
		pending:      make(map[uint64]*pendingDelivery),
		stopCh:       make(chan struct{}),
	}
	go c.redeliveryLoop()
	return c
}

// Bind attaches the handler that processes delivered records and the
// callback invoked when a record is dead-lettered. Binding flushes any
// records queued before the handler was attached, preserving FIFO order
// (spec §5: "per-consumer of an event stream: FIFO with explicit ack").
func (c *Consumer) Bind(handler Handler, onDeadLetter func(DeadLetter)) {
	c.mu.Lock()
	c.handler = handler
	c.onDeadLetter = onDeadLetter
	backlog := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, rec := range backlog {
		c.deliver(rec)
	}
}

func (c *Consumer) deliverIfMatched(rec Record) {
	if c.filterPrefix != "" && !strings.HasPrefix(rec.Subject, c.filterPrefix) {
		return
	}
	c.mu.Lock()
	h := c.handler
	if h == nil {
		c.queue = append(c.queue, rec)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.deliver(rec)
}

func (c *Consumer) deliver(rec Record) {
	c.mu.Lock()
	h := c.handler
	pd, redelivery := c.pending[rec.Sequence]
	if redelivery {
		pd.deliverCount++
		pd.deadline = time.Now().Add(c.ackWait)
	} else {
		pd = &pendingDelivery{record: rec, deliverCount: 1, deadline: time.Now().Add(c.ackWait)}
		c.pending[rec.Sequence] = pd
	}
	count := pd.deliverCount
	c.mu.Unlock()

	if h == nil {
		return
	}

	if redelivery {
		atomic.AddUint64(&c.redelivered, 1)
		metrics.ConsumerRedeliveries.WithLabelValues(rec.Stream, c.name).Inc()
	}

	err := h(rec)
	if err == nil {
		c.Ack(rec.Sequence)
		return
	}

	if count >= c.maxDeliver {
		c.deadLetter(rec, err.Error(), count)
	}
}

// Ack acknowledges a delivered sequence, clearing its pending entry and
// raising lastAckSeq to the highest sequence acked so far. Lower
// sequences still pending are not reflected in lastAckSeq (out-of-order
// acks are accepted per spec §4.C, which only requires ordered
// *delivery*, not ordered *ack*).
func (c *Consumer) Ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
	if seq > c.lastAckSeq {
		c.lastAckSeq = seq
	}
}

func (c *Consumer) deadLetter(rec Record, reason string, deliverCount int) {
	c.mu.Lock()
	delete(c.pending, rec.Sequence)
	cb := c.onDeadLetter
	c.mu.Unlock()

	metrics.DLQMessages.WithLabelValues(rec.Stream, rec.Subject).Inc()
	if cb != nil {
		cb(DeadLetter{Original: rec, FailureReason: reason, DeliverCount: deliverCount})
	}
}

func (c *Consumer) redeliveryLoop() {
	ticker := time.NewTicker(c.ackWait / 4)
	if c.ackWait < 4*time.Millisecond {
		ticker = time.NewTicker(time.Millisecond)
	}
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.retryExpired()
		}
	}
}

func (c *Consumer) retryExpired() {
	now := time.Now()
	var toRedeliver []Record
	var toDeadLetter []*pendingDelivery

	c.mu.Lock()
	for _, pd := range c.pending {
		if now.Before(pd.deadline) {
			continue
		}
		if pd.deliverCount >= c.maxDeliver {
			toDeadLetter = append(toDeadLetter, pd)
		} else {
			toRedeliver = append(toRedeliver, pd.record)
		}
	}
	c.mu.Unlock()

	for _, pd := range toDeadLetter {
		c.deadLetter(pd.record, "ack_wait exceeded max_deliver attempts", pd.deliverCount)
	}
	for _, rec := range toRedeliver {
		c.deliver(rec)
	}
}

func (c *Consumer) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Consumer) redeliveries() uint64 {
	return atomic.LoadUint64(&c.redelivered)
}

// Close stops the consumer's redelivery loop.
func (c *Consumer) Close() {
	close(c.stopCh)
}
