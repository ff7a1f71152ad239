package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesProcessedTotal *prometheus.CounterVec
	ClassificationsTotal   *prometheus.CounterVec
	AICallsTotal           *prometheus.CounterVec
	AITokensTotal          *prometheus.CounterVec
	DedupHitsTotal         *prometheus.CounterVec
	ProviderSendsTotal     *prometheus.CounterVec
	RequeuesTotal          *prometheus.CounterVec
	HTTPRequestsTotal      *prometheus.CounterVec
	InFlightMessages       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		MessagesProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_messages_processed_total",
				Help: "Total number of queue payloads processed, by terminal outcome",
			},
			[]string{"queue", "outcome"},
		),
		ClassificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_classifications_total",
				Help: "Total number of rule engine decisions",
			},
			[]string{"result"},
		),
		AICallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_ai_calls_total",
				Help: "Total number of AI advisor invocations",
			},
			[]string{"decision"},
		),
		AITokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_ai_tokens_total",
				Help: "Total AI tokens consumed",
			},
			[]string{"direction"},
		),
		DedupHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_dedup_hits_total",
				Help: "Total duplicate detections",
			},
			[]string{"kind"},
		),
		ProviderSendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_provider_sends_total",
				Help: "Total provider hand-off attempts",
			},
			[]string{"result"},
		),
		RequeuesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_requeues_total",
				Help: "Total payloads republished to the main queue",
			},
			[]string{"reason"},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		InFlightMessages: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sms_in_flight_messages",
				Help: "Queue payloads currently being processed",
			},
		),
	}
}
