package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livepoll"

// Metrics groups the collectors shared by the coordinator, ledger and hub.
// A nil registerer yields working but unregistered collectors.
type Metrics struct {
	PollsCreated prometheus.Counter
	PollsEnded   *prometheus.CounterVec
	Votes        *prometheus.CounterVec
	IntentErrors *prometheus.CounterVec
	Participants prometheus.Gauge
	Presenters   prometheus.Gauge
	SSEClients   prometheus.Gauge
	SSEDropped   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_created_total",
			Help:      "number of polls created and started",
		}),
		PollsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_ended_total",
			Help:      "number of polls ended, by trigger",
		}, []string{"trigger"}),
		Votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "vote submissions, by outcome",
		}, []string{"outcome"}),
		IntentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_errors_total",
			Help:      "intents rejected with an error acknowledgment",
		}, []string{"intent", "code"}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "number of registered participant connections",
		}),
		Presenters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presenters",
			Help:      "number of registered presenter connections",
		}),
		SSEClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "number of open SSE streams",
		}),
		SSEDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_dropped_messages_total",
			Help:      "messages dropped because a client buffer was full",
		}),
	}
}
