package server

import (
	"time"

	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

// Fanout delivers serialized envelopes to registered connections. Delivery
// never blocks: a closed connection is skipped and a full send buffer drops
// the payload for that recipient only.
type Fanout struct {
	registry *Registry
	metrics  *telemetry.Metrics
}

// NewFanout creates a fanout over registry.
func NewFanout(registry *Registry, metrics *telemetry.Metrics) *Fanout {
	return &Fanout{registry: registry, metrics: metrics}
}

// Broadcast delivers payload to every registered connection and returns the
// number of connections it was queued for.
func (f *Fanout) Broadcast(payload []byte) int {
	sent := 0
	f.registry.ForEach(func(c *Client, _ time.Time) {
		if f.deliver(c, payload) == telemetry.DeliverySent {
			sent++
		}
	})
	return sent
}

// SendTo delivers payload to one connection.
func (f *Fanout) SendTo(c *Client, payload []byte) bool {
	return f.deliver(c, payload) == telemetry.DeliverySent
}

func (f *Fanout) deliver(c *Client, payload []byte) string {
	result := c.enqueue(payload)
	f.metrics.Delivery(result)
	if result == telemetry.DeliveryDropped {
		c.log().Debug("send buffer full; dropping payload")
	}
	return result
}
