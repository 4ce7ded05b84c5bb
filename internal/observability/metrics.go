package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_gateway_active_sessions",
		Help: "Number of active capture sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_gateway_sessions_total",
		Help: "Total number of capture sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_gateway_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	sessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_session_outcomes_total",
		Help: "Terminal outcomes of capture sessions",
	}, []string{"outcome"})

	// Recognition metrics
	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_candidates_total",
		Help: "Candidate selection outcomes per recognition turn",
	}, []string{"outcome"})

	recognizerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_gateway_recognizer_restarts_total",
		Help: "Recognizer restarts after recoverable errors",
	})

	recognizerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_recognizer_errors_total",
		Help: "Recognition errors by class",
	}, []string{"class"})

	fallbackActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_gateway_fallback_activations_total",
		Help: "Sessions that fell back to raw audio capture",
	})

	// Summarization metrics
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_summarization_exchanges_total",
		Help: "Summarization exchanges by terminal status",
	}, []string{"status"})

	exchangeTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_gateway_summarization_tokens_total",
		Help: "LLM tokens reported by terminal summarization results",
	})

	exchangeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_gateway_summarization_latency_seconds",
		Help:    "Summarization exchange latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// Store metrics
	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_store_writes_total",
		Help: "Record store writes by operation and status",
	}, []string{"op", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capture_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// RecordCandidate records one candidate-selection turn outcome
func RecordCandidate(accepted bool) {
	if accepted {
		candidatesTotal.WithLabelValues("accepted").Inc()
	} else {
		candidatesTotal.WithLabelValues("rejected").Inc()
	}
}

// RecordRecognizerRestart records a restart after a recoverable error
func RecordRecognizerRestart() {
	recognizerRestarts.Inc()
}

// RecordRecognizerError records a recognition error by class
func RecordRecognizerError(class string) {
	recognizerErrors.WithLabelValues(class).Inc()
}

// RecordStoreWrite records a record-store write attempt
func RecordStoreWrite(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storeWrites.WithLabelValues(op, status).Inc()
}

// RecordError records an error by type and component
func RecordError(errType, component string) {
	errorsTotal.WithLabelValues(errType, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID string

	mu           sync.Mutex
	startTime    time.Time
	exchangeTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{sessionID: sessionID}
}

// RecordSessionStart records the beginning of a session
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()

	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the terminal outcome of a session
func (m *SessionMetrics) RecordSessionEnd(outcome string) {
	m.mu.Lock()
	started := m.startTime
	m.mu.Unlock()

	activeSessions.Dec()
	sessionOutcomes.WithLabelValues(outcome).Inc()
	if !started.IsZero() {
		sessionDuration.Observe(time.Since(started).Seconds())
	}
}

// RecordFallback records the transition to raw audio capture
func (m *SessionMetrics) RecordFallback() {
	fallbackActivations.Inc()
}

// RecordExchangeStart records the beginning of a summarization exchange
func (m *SessionMetrics) RecordExchangeStart() {
	m.mu.Lock()
	m.exchangeTime = time.Now()
	m.mu.Unlock()
}

// RecordExchangeEnd records the terminal status of a summarization exchange
func (m *SessionMetrics) RecordExchangeEnd(status string, tokens int64) {
	m.mu.Lock()
	started := m.exchangeTime
	m.mu.Unlock()

	exchangesTotal.WithLabelValues(status).Inc()
	if tokens > 0 {
		exchangeTokens.Add(float64(tokens))
	}
	if !started.IsZero() {
		exchangeLatency.Observe(time.Since(started).Seconds())
	}
}
