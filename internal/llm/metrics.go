package llm

import "github.com/prometheus/client_golang/prometheus"

var (
	HandlesClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_handles_claimed_total",
		Help: "Total number of prompt handles claimed by this worker",
	})
	HandlesFinishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_handles_finished_total",
		Help: "Total number of prompt handles completed successfully",
	})
	HandlesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_handles_failed_total",
		Help: "Total number of prompt handles marked failed",
	})
	FragmentsStreamedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_fragments_streamed_total",
		Help: "Total number of fragments streamed to the relay",
	})
	CheckoutRacesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_checkout_races_total",
		Help: "Checkout attempts lost to another worker",
	})
)

func init() {
	prometheus.MustRegister(HandlesClaimedTotal, HandlesFinishedTotal,
		HandlesFailedTotal, FragmentsStreamedTotal, CheckoutRacesTotal)
}
