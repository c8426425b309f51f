// Package metrics defines Prometheus metrics for sessions, sends and batches.
// A batch run is short-lived, so metrics are exported by writing them to a
// node-exporter textfile rather than serving them over HTTP.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Session metrics
	SessionConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_session_connects_total",
		Help: "Total number of session connect attempts by outcome",
	}, []string{"provider", "result"})
	SessionReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_session_reconnects_total",
		Help: "Total number of reconnects triggered by a server disconnect",
	}, []string{"provider"})
	SendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_send_retries_total",
		Help: "Total number of in-place send retries after a transport error",
	}, []string{"provider"})

	// Mail metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"provider"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_mail_send_failure_total",
		Help: "Total number of failed mail sends",
	}, []string{"provider", "reason"})

	// Batch metrics
	EventsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_dispatch_events_skipped_total",
		Help: "Total number of events skipped because a template failed to render",
	})
	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_batches_total",
		Help: "Total number of processed batches by outcome",
	}, []string{"result"})
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mail_dispatch_batch_duration_seconds",
		Help:    "Wall time spent processing one batch",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(SessionConnects)
	prometheus.MustRegister(SessionReconnects)
	prometheus.MustRegister(SendRetries)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(EventsSkipped)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(BatchDuration)
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format, atomically replacing the file.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
