package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "image_creator"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	creditAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "adjustments_total",
			Help:      "Credit balance changes by operation and result.",
		},
		[]string{"operation", "result"},
	)

	taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task status transitions by target status and result.",
		},
		[]string{"status", "result"},
	)

	webhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "webhook_outcomes_total",
			Help:      "Payment webhook and fix outcomes.",
		},
		[]string{"source", "outcome"},
	)

	sweptTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "tasks_total",
			Help:      "Tasks touched by the stuck-task sweeper.",
		},
		[]string{"result"},
	)

	notifierSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "subscriptions",
			Help:      "Live task notification subscriptions on this instance.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		creditAdjustments,
		taskTransitions,
		webhookOutcomes,
		sweptTasks,
		notifierSubscriptions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func RecordCreditAdjustment(operation, result string) {
	creditAdjustments.WithLabelValues(operation, result).Inc()
}

func RecordTaskTransition(status, result string) {
	taskTransitions.WithLabelValues(status, result).Inc()
}

func RecordWebhookOutcome(source, outcome string) {
	webhookOutcomes.WithLabelValues(source, outcome).Inc()
}

func RecordSweptTasks(result string, n int) {
	if n <= 0 {
		return
	}
	sweptTasks.WithLabelValues(result).Add(float64(n))
}

func SubscriptionOpened() {
	notifierSubscriptions.Inc()
}

func SubscriptionClosed() {
	notifierSubscriptions.Dec()
}
