package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pre            = "sealchat_"
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8}
)

// Registry holds every sealchat collector. It is separate from the
// default registry so tests and embedders get a clean set.
var Registry = prometheus.NewRegistry()

// Relay groups relay pool metrics.
var Relay = struct {
	Publishes      *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	Cooldowns      *prometheus.CounterVec
	Exhausted      prometheus.Counter
	Subscriptions  prometheus.Gauge
}{
	Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "relay_publish_total",
		Help: "Publish attempts per relay and outcome.",
	}, []string{"relay", "outcome"}),
	PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    pre + "relay_publish_seconds",
		Help:    "Time until a relay acknowledged a publish.",
		Buckets: latencyBuckets,
	}, []string{"relay"}),
	Cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "relay_cooldown_total",
		Help: "Times a relay entered cooldown.",
	}, []string{"relay"}),
	Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
		Name: pre + "publish_exhausted_total",
		Help: "Publishes that failed on every batch.",
	}),
	Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "relay_subscriptions",
		Help: "Open relay subscriptions.",
	}),
}

// Messages groups message flow metrics.
var Messages = struct {
	Sent     *prometheus.CounterVec
	Received prometheus.Counter
	Rejected *prometheus.CounterVec
}{
	Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "messages_sent_total",
		Help: "Outgoing messages by final status.",
	}, []string{"status"}),
	Received: prometheus.NewCounter(prometheus.CounterOpts{
		Name: pre + "messages_received_total",
		Help: "Incoming gift wraps accepted.",
	}),
	Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "messages_rejected_total",
		Help: "Incoming gift wraps dropped, by reason.",
	}, []string{"reason"}),
}

// Relayd groups metrics of the bundled development relay.
var Relayd = struct {
	Clients prometheus.Gauge
	Events  *prometheus.CounterVec
}{
	Clients: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "relayd_clients",
		Help: "Connected websocket clients.",
	}),
	Events: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "relayd_events_total",
		Help: "Events received by the relay, by outcome.",
	}, []string{"outcome"}),
}

func init() {
	Registry.MustRegister(
		Relay.Publishes,
		Relay.PublishLatency,
		Relay.Cooldowns,
		Relay.Exhausted,
		Relay.Subscriptions,
		Messages.Sent,
		Messages.Received,
		Messages.Rejected,
		Relayd.Clients,
		Relayd.Events,
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
