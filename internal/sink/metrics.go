package sink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sinkMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_sink_messages_total",
			Help: "Messages handled by sinks, by sink and result",
		},
		[]string{"sink", "result"}, // delivered, failed, skipped
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(sinkMessagesTotal)
	})
}

func countOutcome(target Target, result string) {
	sinkMessagesTotal.WithLabelValues(string(target), result).Inc()
}
