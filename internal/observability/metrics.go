package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var QueueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "genforge",
	Subsystem: "queue",
	Name:      "events_total",
	Help:      "Queue and ledger lifecycle events by queue and kind.",
}, []string{"queue", "event"})

var TokensCharged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "genforge",
	Subsystem: "ledger",
	Name:      "tokens_charged_total",
	Help:      "Tokens debited from user balances.",
})

var TokensRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "genforge",
	Subsystem: "ledger",
	Name:      "tokens_refunded_total",
	Help:      "Tokens credited back by rollbacks and reconciliation.",
})

// PrometheusHook counts every emitted event. Token amounts travel in
// Event.Data["tokens"] as emitted by the ledger service.
type PrometheusHook struct{}

func (PrometheusHook) OnEvent(e Event) {
	QueueEvents.WithLabelValues(e.QueueName, string(e.Kind)).Inc()

	tokens, ok := e.Data["tokens"]
	if !ok {
		return
	}
	n, err := strconv.ParseFloat(tokens, 64)
	if err != nil {
		return
	}
	switch e.Kind {
	case EventCharged:
		TokensCharged.Add(n)
	case EventRolledBack:
		TokensRefunded.Add(n)
	}
}
