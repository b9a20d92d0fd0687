package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

var (
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "publish_total", Help: "Update events published per topic"},
		[]string{"topic"},
	)
	subscriberGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "relay", Name: "subscribers", Help: "Connected subscribers per topic"},
		[]string{"topic"},
	)
	slowDropTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "slow_subscriber_drops_total", Help: "Subscribers disconnected because their buffer filled"},
		[]string{"topic"},
	)
	detectCycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "detect_cycles_total", Help: "Detection cycles by source and outcome"},
		[]string{"source", "outcome"},
	)
	dlqInsertTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "dlq_insert_total", Help: "Total DLQ insertions"},
		[]string{"reason"},
	)
	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "relay", Name: "queue_pending", Help: "Pending messages in the job queue consumer group"},
	)
	tokenIssueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "tokens_issued_total", Help: "Access tokens issued by outcome"},
		[]string{"outcome"},
	)
	subscribeRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "relay", Name: "subscribe_rejects_total", Help: "Rejected subscribe attempts by reason"},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(reqDuration, reqTotal, publishTotal, subscriberGauge,
		slowDropTotal, detectCycleTotal, dlqInsertTotal, queuePending,
		tokenIssueTotal, subscribeRejectTotal)
}

// MetricsMiddleware records basic HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start).Seconds()
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := []string{c.Request.Method, path, toStr(status)}
		observer := reqDuration.WithLabelValues(labels...)
		// attach exemplar with trace_id if present
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			if eo, ok := observer.(prometheus.ExemplarObserver); ok {
				eo.ObserveWithExemplar(dur, prometheus.Labels{"trace_id": sc.TraceID().String()})
			} else {
				observer.Observe(dur)
			}
		} else {
			observer.Observe(dur)
		}
		reqTotal.With(prometheus.Labels{"method": c.Request.Method, "path": path, "status": toStr(status)}).Inc()
	}
}

func toStr(i int) string { return strconv.Itoa(i) }

// RecordPublish increments the per-topic publish counter
func RecordPublish(topic string) { publishTotal.WithLabelValues(topic).Inc() }

// SetSubscribers sets the connected-subscriber gauge for a topic
func SetSubscribers(topic string, n int) { subscriberGauge.WithLabelValues(topic).Set(float64(n)) }

// RecordSlowDrop increments the slow-consumer disconnect counter
func RecordSlowDrop(topic string) { slowDropTotal.WithLabelValues(topic).Inc() }

// RecordDetectCycle records one detection cycle outcome
func RecordDetectCycle(source, outcome string) {
	detectCycleTotal.WithLabelValues(source, outcome).Inc()
}

// RecordDLQInsert increments the DLQ insertion counter
func RecordDLQInsert(reason string) { dlqInsertTotal.WithLabelValues(reason).Inc() }

// SetQueuePending sets the current pending messages gauge
func SetQueuePending(n int64) { queuePending.Set(float64(n)) }

// RecordTokenIssue records a token issuance attempt
func RecordTokenIssue(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	tokenIssueTotal.WithLabelValues(outcome).Inc()
}

// RecordSubscribeReject increments the rejected-subscribe counter
func RecordSubscribeReject(reason string) { subscribeRejectTotal.WithLabelValues(reason).Inc() }
