package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collector"

// Collector holds the session's Prometheus instruments.
// A nil *Collector is valid and records nothing, so the session never
// has to check whether metrics are enabled.
type Collector struct {
	written       prometheus.Counter
	confirmed     prometheus.Counter
	retransmitted prometheus.Counter
	dropped       *prometheus.CounterVec
	frames        *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	pending       prometheus.Gauge
	closeWait     prometheus.Histogram
}

// New creates the instruments and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "written_total",
			Help:      "Records accepted from the producer.",
		}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "confirmed_total",
			Help:      "Records acknowledged by the service.",
		}),
		retransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "retransmitted_total",
			Help:      "Records re-enqueued after a reconnection.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "dropped_total",
			Help:      "Records given up on without confirmation.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport, by action.",
		}, []string{"action"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnection sequences, by outcome.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "pending",
			Help:      "Records sent or queued but not yet confirmed.",
		}),
		closeWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "close_wait_seconds",
			Help:      "Time Close spent waiting for confirmations.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 75},
		}),
	}

	for _, col := range []prometheus.Collector{
		c.written, c.confirmed, c.retransmitted, c.dropped, c.frames, c.reconnects, c.pending, c.closeWait,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) RecordWritten() {
	if c == nil {
		return
	}
	c.written.Inc()
}

func (c *Collector) RecordConfirmed(n int) {
	if c == nil {
		return
	}
	c.confirmed.Add(float64(n))
}

func (c *Collector) RecordRetransmitted(n int) {
	if c == nil {
		return
	}
	c.retransmitted.Add(float64(n))
}

func (c *Collector) RecordDropped(reason string, n int) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) RecordFrame(action string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(action).Inc()
}

// RecordReconnect counts one reconnection sequence; result is
// "success", "failed" or "superseded".
func (c *Collector) RecordReconnect(result string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(result).Inc()
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) ObserveCloseWait(d time.Duration) {
	if c == nil {
		return
	}
	c.closeWait.Observe(d.Seconds())
}
