package metrics

import (
	"context"
	"fraud_engine/internal/domain"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud_engine"

// MetricsCollector owns a private registry. A nil collector is valid and records nothing.
type MetricsCollector struct {
	registry              *prometheus.Registry
	evaluations           *prometheus.CounterVec
	evaluationDuration    prometheus.Histogram
	failOpen              *prometheus.CounterVec
	evaluatorFaults       prometheus.Counter
	riskScoreDistribution prometheus.Histogram
	loadShed              prometheus.Counter
	outboxEnqueued        prometheus.Counter
	outboxDropped         *prometheus.CounterVec
	outboxPersisted       prometheus.Counter
	outboxPersistFailures prometheus.Counter
	outboxQueueDepth      prometheus.Gauge
	registeredRulesets    prometheus.Gauge
	logger                *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &MetricsCollector{
		registry: registry,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_evaluations_total",
			Help:      "Total number of AUTH decisions by verdict and engine mode",
		}, []string{"decision", "mode"}),
		evaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_evaluation_duration_seconds",
			Help:      "Time taken to produce an AUTH decision",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		failOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_fail_open_total",
			Help:      "Decisions approved without rule evaluation, by error code",
		}, []string{"code"}),
		evaluatorFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_evaluator_faults_total",
			Help:      "Evaluations aborted by a malformed rule or failing dependency",
		}),
		riskScoreDistribution: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_risk_score_distribution",
			Help:      "Distribution of decision risk scores",
			Buckets:   []float64{0, 20, 40, 60, 80, 100},
		}),
		loadShed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_load_shed_total",
			Help:      "Requests answered by the load shedder without evaluation",
		}),
		outboxEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Decision events accepted by the outbox queue",
		}),
		outboxDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Decision events dropped before persistence, by reason",
		}, []string{"reason"}),
		outboxPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_persisted_total",
			Help:      "Decision events written to the outbox sink",
		}),
		outboxPersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_persist_failures_total",
			Help:      "Failed attempts to write a decision event to the outbox sink",
		}),
		outboxQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_queue_depth",
			Help:      "Decision events waiting in the outbox queue",
		}),
		registeredRulesets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rulesets_registered",
			Help:      "Rulesets currently registered for evaluation",
		}),
		logger: logger,
	}
}

func (m *MetricsCollector) RecordDecision(d *domain.Decision, duration time.Duration) {
	if m == nil || d == nil {
		return
	}

	m.evaluations.WithLabelValues(string(d.Decision), string(d.EngineMode)).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
	m.riskScoreDistribution.Observe(float64(d.RiskScore))
	if d.EngineMode == domain.ModeFailOpen {
		m.failOpen.WithLabelValues(d.EngineErrorCode).Inc()
	}
}

func (m *MetricsCollector) RecordEvaluatorFault() {
	if m == nil {
		return
	}
	m.evaluatorFaults.Inc()
}

func (m *MetricsCollector) RecordLoadShed() {
	if m == nil {
		return
	}
	m.loadShed.Inc()
}

func (m *MetricsCollector) RecordOutboxEnqueued(depth int) {
	if m == nil {
		return
	}
	m.outboxEnqueued.Inc()
	m.outboxQueueDepth.Set(float64(depth))
}

func (m *MetricsCollector) RecordOutboxDropped(reason string) {
	if m == nil {
		return
	}
	m.outboxDropped.WithLabelValues(reason).Inc()
}

func (m *MetricsCollector) RecordOutboxPersisted(depth int) {
	if m == nil {
		return
	}
	m.outboxPersisted.Inc()
	m.outboxQueueDepth.Set(float64(depth))
}

func (m *MetricsCollector) RecordOutboxPersistFailure() {
	if m == nil {
		return
	}
	m.outboxPersistFailures.Inc()
}

func (m *MetricsCollector) SetRegisteredRulesets(n int) {
	if m == nil {
		return
	}
	m.registeredRulesets.Set(float64(n))
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	m.logger.Info("Metrics server shutdown complete")
	return nil
}
