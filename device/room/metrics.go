package room

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/transport"
)

const metricsNamespace = "feedroom"

type metrics struct {
	feedReads   *prometheus.CounterVec
	readLatency prometheus.Histogram
	commits     *prometheus.CounterVec
	evictions   prometheus.Counter
	messages    prometheus.Counter
	sent        prometheus.Counter
	activeUsers prometheus.Gauge
}

// newMetrics creates the room collectors and registers them on reg when it
// is non-nil. Collectors are labelled with the room's hashed message topic;
// the room name itself never leaves the process.
func newMetrics(topic feed.Topic, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"room": topic.String()}
	m := &metrics{
		feedReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "feed_reads_total",
			Help:        "Feed reads by feed kind and outcome.",
			ConstLabels: labels,
		}, []string{"feed", "outcome"}),
		readLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "message_read_seconds",
			Help:        "Latency of successful message feed reads.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "directory_commits_total",
			Help:        "Directory commits published by this participant.",
			ConstLabels: labels,
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "evictions_total",
			Help:        "Participants evicted by the idle sweep.",
			ConstLabels: labels,
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_received_total",
			Help:        "Distinct messages added to the history.",
			ConstLabels: labels,
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_sent_total",
			Help:        "Messages written to the local participant's feed.",
			ConstLabels: labels,
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "active_users",
			Help:        "Active participants in the directory.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.feedReads, m.readLatency, m.commits, m.evictions, m.messages, m.sent, m.activeUsers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// feedRead counts a feed read by its outcome.
func (m *metrics) feedRead(kind string, err error) {
	m.feedReads.WithLabelValues(kind, readOutcome(err)).Inc()
}

func readOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case transport.IsNotFound(err):
		return "not_found"
	case transport.IsTimeout(err):
		return "timeout"
	case errors.Is(err, transport.ErrNotConnected):
		return "disconnected"
	default:
		return "error"
	}
}
