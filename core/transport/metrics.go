package transport

import "sync"

// Metrics counts transport activity since the connection was created
// (or ResetMetrics was last called).
type Metrics struct {
	mu sync.Mutex

	messagesSent     int64
	messagesReceived int64
	bytesTransferred int64
	reconnections    int64
	errors           int64
}

// MetricsSnapshot is a point-in-time copy of the counters plus derived
// latency and queue figures.
type MetricsSnapshot struct {
	MessagesSent     int64 `json:"messagesSent"`
	MessagesReceived int64 `json:"messagesReceived"`
	BytesTransferred int64 `json:"bytesTransferred"`
	Reconnections    int64 `json:"reconnections"`
	Errors           int64 `json:"errors"`

	LatencyCurrentMs int64 `json:"latencyCurrentMs"`
	LatencyAverageMs int64 `json:"latencyAverageMs"`
	OfflineQueued    int   `json:"offlineQueued"`
	BatchPending     int   `json:"batchPending"`
	Connected        bool  `json:"connected"`
}

func (m *Metrics) sent(bytes int) {
	m.mu.Lock()
	m.messagesSent++
	m.bytesTransferred += int64(bytes)
	m.mu.Unlock()
}

func (m *Metrics) received(bytes int) {
	m.mu.Lock()
	m.messagesReceived++
	m.bytesTransferred += int64(bytes)
	m.mu.Unlock()
}

func (m *Metrics) reconnected() {
	m.mu.Lock()
	m.reconnections++
	m.mu.Unlock()
}

func (m *Metrics) failed() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *Metrics) reset() {
	m.mu.Lock()
	m.messagesSent = 0
	m.messagesReceived = 0
	m.bytesTransferred = 0
	m.reconnections = 0
	m.errors = 0
	m.mu.Unlock()
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		MessagesSent:     m.messagesSent,
		MessagesReceived: m.messagesReceived,
		BytesTransferred: m.bytesTransferred,
		Reconnections:    m.reconnections,
		Errors:           m.errors,
	}
}
