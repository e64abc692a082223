package dispatcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatcherMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_dispatcher_messages_total",
			Help: "Messages received by bots, by result (delivered, failed, dropped, discarded)",
		},
		[]string{"channel", "result"},
	)

	dispatcherRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_dispatcher_rounds_total",
			Help: "Rounds of messages handed to a sink",
		},
		[]string{"channel"},
	)

	dispatcherRoundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cobra_dispatcher_round_duration_seconds",
			Help:    "Time spent by the sink on one round",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	dispatcherStallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_dispatcher_stalls_total",
			Help: "Heartbeat stall episodes, each triggering one reconnect",
		},
		[]string{"channel"},
	)

	dispatcherPinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_dispatcher_pins_total",
			Help: "Failed rounds that pinned the cursor and restarted the subscription",
		},
		[]string{"channel"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			dispatcherMessagesTotal,
			dispatcherRoundsTotal,
			dispatcherRoundDuration,
			dispatcherStallsTotal,
			dispatcherPinsTotal,
		)
	})
}
