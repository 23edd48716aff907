package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transport activity. A nil *Metrics records nothing.
type Metrics struct {
	PacketsSent     prometheus.Counter
	BytesSent       prometheus.Counter
	MessagesSent    prometheus.Counter
	MessagesAborted prometheus.Counter
	AuthFailures    prometheus.Counter
	ReadyWait       prometheus.Histogram
}

// NewMetrics creates the transport collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Encrypted packets written to the link.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Encoded packet bytes written to the link.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages whose every fragment was acknowledged.",
		}),
		MessagesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "messages_aborted_total",
			Help:      "Messages abandoned after a write failure or cancellation.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "auth_failures_total",
			Help:      "Received fragments whose tag did not verify.",
		}),
		ReadyWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keylink",
			Subsystem: "transport",
			Name:      "ready_wait_seconds",
			Help:      "Time spent waiting for link readiness after a write.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.PacketsSent, m.BytesSent, m.MessagesSent, m.MessagesAborted, m.AuthFailures, m.ReadyWait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) packetSent(n int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) readyWaited(d time.Duration) {
	if m != nil {
		m.ReadyWait.Observe(d.Seconds())
	}
}

func (m *Metrics) messageDone(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MessagesSent.Inc()
	} else {
		m.MessagesAborted.Inc()
	}
}

func (m *Metrics) authFailed() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}
