package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event names counted by the signaling relay.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"
	OriginRejected   = "origin_rejected"

	SessionCreated   = "session_created"
	SessionJoined    = "session_joined"
	SessionDestroyed = "session_destroyed"
	GuestEvicted     = "guest_evicted"
	GuestLeft        = "guest_left"
	JoinInvalidToken = "join_invalid_token"
	JoinRejected     = "join_rejected"

	RelayForwarded     = "relay_forwarded"
	RelayMissingTarget = "relay_missing_target"
	DeliveryNoTarget   = "delivery_no_target"

	BadMessage      = "bad_message"
	MessageTooLarge = "message_too_large"
	IdleTimeout     = "idle_timeout"

	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
	DropReasonTokenExhausted  = "token_space_exhausted"
	DropReasonSendQueueFull   = "send_queue_full"
)

const namespace = "aero_webrtc_pairing_relay"

var eventsDesc = prometheus.NewDesc(
	namespace+"_events_total",
	"Internal event counters.",
	[]string{"event"},
	nil,
)

// Metrics is a concurrency-safe set of named event counters.
//
// It implements prometheus.Collector so the counters can be scraped without
// declaring every event name up front. The zero value and a nil *Metrics are
// both usable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- eventsDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for event, v := range m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(v), event)
	}
}
