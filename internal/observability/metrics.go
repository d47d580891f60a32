package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoy"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionStoreErrors  *prometheus.CounterVec
	sessionsEvicted     prometheus.Counter

	confirmationsRequested *prometheus.CounterVec
	confirmationsResolved  *prometheus.CounterVec
	confirmationWait       *prometheus.HistogramVec
	confirmationsPending   prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentIterations   *prometheus.CounterVec
	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec

	channelMessages  *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec

	gatewayRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_size",
				Help: "Current queue size by lane kind.",
			}, []string{"lane"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "queue_enqueue_total",
				Help: "Total enqueue operations by lane kind.",
			}, []string{"lane"}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "queue_dequeue_total",
				Help: "Total completed tasks by lane kind and status.",
			}, []string{"lane", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "queue_task_duration_seconds",
				Help:    "Task execution duration in seconds by lane kind.",
				Buckets: prometheus.DefBuckets,
			}, []string{"lane"}),

			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "sessions_active",
				Help: "Sessions currently held by the store.",
			}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_load_duration_seconds",
				Help:    "Session load duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_save_duration_seconds",
				Help:    "Session save duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "session_store_errors_total",
				Help: "Session store failures by backend and operation.",
			}, []string{"backend", "op"}),
			sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "sessions_evicted_total",
				Help: "Sessions removed by the idle janitor.",
			}),

			confirmationsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "confirmations_requested_total",
				Help: "Confirmation requests by handler kind.",
			}, []string{"handler"}),
			confirmationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "confirmations_resolved_total",
				Help: "Confirmation requests reaching a terminal state.",
			}, []string{"handler", "state"}),
			confirmationWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "confirmation_wait_seconds",
				Help:    "Time from request to terminal state.",
				Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"handler"}),
			confirmationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "confirmations_pending",
				Help: "Confirmation requests awaiting a decision.",
			}),

			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_execution_total",
				Help: "Tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),

			agentIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_iterations_total",
				Help: "Agent loop iterations by outcome.",
			}, []string{"outcome"}),
			modelCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "model_call_total",
				Help: "Model calls by provider and status.",
			}, []string{"provider", "status"}),
			modelCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "model_call_duration_seconds",
				Help:    "Model call duration in seconds by provider.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider"}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "provider_cooldown_active",
				Help: "Provider profile cooldown state (1 active, 0 inactive).",
			}, []string{"profile"}),

			channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "channel_messages_total",
				Help: "Channel messages by channel and direction.",
			}, []string{"channel", "direction"}),
			deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "channel_delivery_failures_total",
				Help: "Outbound messages a channel failed to deliver.",
			}, []string{"channel"}),

			gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "gateway_requests_total",
				Help: "Gateway RPC calls by method and outcome (ok, error, replayed).",
			}, []string{"method", "outcome"}),
		}

		prometheus.MustRegister(
			m.queueSize, m.enqueueTotal, m.dequeueTotal, m.taskDuration,
			m.activeSessions, m.sessionLoadDuration, m.sessionSaveDuration, m.sessionStoreErrors, m.sessionsEvicted,
			m.confirmationsRequested, m.confirmationsResolved, m.confirmationWait, m.confirmationsPending,
			m.toolExecutionTotal, m.toolExecutionDuration,
			m.agentIterations, m.modelCallTotal, m.modelCallDuration, m.providerCooldown,
			m.channelMessages, m.deliveryFailures,
			m.gatewayRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneKind collapses per-session lanes ("session:telegram:42") to their prefix
// so the label set stays bounded.
func laneKind(lane string) string {
	if kind, _, ok := strings.Cut(lane, ":"); ok {
		return kind
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.dequeueTotal.WithLabelValues(kind, status(success)).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionStoreError(backend, op string) {
	getMetrics().sessionStoreErrors.WithLabelValues(backend, op).Inc()
}

func RecordSessionsEvicted(n int) {
	getMetrics().sessionsEvicted.Add(float64(n))
}

func RecordConfirmationRequested(handler string) {
	getMetrics().confirmationsRequested.WithLabelValues(handler).Inc()
}

func RecordConfirmationResolved(handler, state string, wait time.Duration) {
	m := getMetrics()
	m.confirmationsResolved.WithLabelValues(handler, state).Inc()
	m.confirmationWait.WithLabelValues(handler).Observe(wait.Seconds())
}

func SetPendingConfirmations(n int) {
	getMetrics().confirmationsPending.Set(float64(n))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordAgentIteration counts one model round trip; outcome is one of
// "final", "tool_calls", "error" or "limit".
func RecordAgentIteration(outcome string) {
	getMetrics().agentIterations.WithLabelValues(outcome).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, status(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(profile string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(value)
}

func RecordChannelMessage(channel, direction string) {
	getMetrics().channelMessages.WithLabelValues(channel, direction).Inc()
}

func RecordDeliveryFailure(channel string) {
	getMetrics().deliveryFailures.WithLabelValues(channel).Inc()
}

// RecordGatewayRequest counts one RPC call. Unknown methods share a label.
func RecordGatewayRequest(method, outcome string) {
	getMetrics().gatewayRequests.WithLabelValues(method, outcome).Inc()
}
