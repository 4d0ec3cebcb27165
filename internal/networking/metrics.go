package networking

import (
	"sync"
)

// DeliveryMetrics tracks outbound payload size and channel-level drop counters
// across all sessions, for export via the admin stats surface.
type DeliveryMetrics struct {
	mu    sync.RWMutex
	bytes map[string]int64
	drops map[string]int64
}

// NewDeliveryMetrics constructs an empty metrics tracker.
func NewDeliveryMetrics() *DeliveryMetrics {
	return &DeliveryMetrics{
		bytes: make(map[string]int64),
		drops: make(map[string]int64),
	}
}

// Observe records the most recently flushed payload size for a session and any
// channel-keyed drop counts accumulated since the previous observation.
func (m *DeliveryMetrics) Observe(sessionID string, payloadBytes int, dropped map[string]int) {
	if m == nil {
		return
	}
	//1.- Promote the payload size to int64 for consistent accumulation.
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	//2.- Update the gauges and counters while holding the mutex.
	m.mu.Lock()
	if sessionID != "" {
		m.bytes[sessionID] = size
	}
	for channel, count := range dropped {
		if count <= 0 {
			continue
		}
		m.drops[channel] += int64(count)
	}
	m.mu.Unlock()
}

// ForgetSession removes the tracked gauges for a disconnected session.
func (m *DeliveryMetrics) ForgetSession(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}
	//1.- Delete the session entry to avoid exporting stale gauges.
	m.mu.Lock()
	delete(m.bytes, sessionID)
	m.mu.Unlock()
}

// BytesPerSession returns a copy of the latest outbound payload size per session.
func (m *DeliveryMetrics) BytesPerSession() map[string]int64 {
	if m == nil {
		return nil
	}
	//1.- Copy the gauge map to shield callers from concurrent mutation.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for sessionID, size := range m.bytes {
		out[sessionID] = size
	}
	return out
}

// DropCounts returns the cumulative number of bandwidth-denied deliveries per channel.
func (m *DeliveryMetrics) DropCounts() map[string]int64 {
	if m == nil {
		return nil
	}
	//1.- Snapshot the drop counters so metrics handlers can iterate safely.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.drops))
	for channel, count := range m.drops {
		out[channel] = count
	}
	return out
}
