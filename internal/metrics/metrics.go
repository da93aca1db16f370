package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_messages_sent_total",
			Help: "Total messages accepted by the provider",
		},
	)

	MessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_messages_failed_total",
			Help: "Total messages terminally failed",
		},
	)

	RecipientsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_recipients_skipped_total",
			Help: "Total recipients skipped by validation or gating",
		},
	)

	ThrottleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_throttle_events_total",
			Help: "Total provider throughput-exceeded signals",
		},
	)

	BatchesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_batches_total",
			Help: "Total workflow batches processed",
		},
	)

	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_provider_send_seconds",
			Help:    "Provider send call latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesFailed)
	prometheus.MustRegister(RecipientsSkipped)
	prometheus.MustRegister(ThrottleEvents)
	prometheus.MustRegister(BatchesProcessed)
	prometheus.MustRegister(ProviderSendDuration)
}
