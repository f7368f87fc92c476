package syncer

import (
	"sync"
	"time"
)

// EngineMetrics counts pipeline outcomes since process start.
type EngineMetrics struct {
	EventsReceived    int64     `json:"events_received"`
	DuplicatesDropped int64     `json:"duplicates_dropped"`
	FilteredOut       int64     `json:"filtered_out"`
	SizingRejections  int64     `json:"sizing_rejections"`
	NoOps             int64     `json:"no_ops"`
	OrdersSubmitted   int64     `json:"orders_submitted"`
	OrdersFailed      int64     `json:"orders_failed"`
	LastEventAt       time.Time `json:"last_event_at"`

	// Per-reason breakdown of filter and sizing rejections.
	RejectionsByReason map[string]int64 `json:"rejections_by_reason"`
}

type metricsCounter struct {
	mu sync.Mutex
	m  EngineMetrics
}

func newMetricsCounter() *metricsCounter {
	return &metricsCounter{m: EngineMetrics{RejectionsByReason: make(map[string]int64)}}
}

func (c *metricsCounter) event() {
	c.mu.Lock()
	c.m.EventsReceived++
	c.m.LastEventAt = time.Now()
	c.mu.Unlock()
}

func (c *metricsCounter) duplicate() {
	c.mu.Lock()
	c.m.DuplicatesDropped++
	c.mu.Unlock()
}

func (c *metricsCounter) filtered(reason string) {
	c.mu.Lock()
	c.m.FilteredOut++
	c.m.RejectionsByReason[reason]++
	c.mu.Unlock()
}

func (c *metricsCounter) sizingRejected(reason string) {
	c.mu.Lock()
	c.m.SizingRejections++
	c.m.RejectionsByReason[reason]++
	c.mu.Unlock()
}

func (c *metricsCounter) noop() {
	c.mu.Lock()
	c.m.NoOps++
	c.mu.Unlock()
}

func (c *metricsCounter) submitted(success bool) {
	c.mu.Lock()
	if success {
		c.m.OrdersSubmitted++
	} else {
		c.m.OrdersFailed++
	}
	c.mu.Unlock()
}

func (c *metricsCounter) snapshot() EngineMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.m
	out.RejectionsByReason = make(map[string]int64, len(c.m.RejectionsByReason))
	for k, v := range c.m.RejectionsByReason {
		out.RejectionsByReason[k] = v
	}
	return out
}
