package api

import (
	"fraud_engine/internal/domain"
	"fraud_engine/internal/service"
	"fraud_engine/pkg/metrics"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

type LoadSheddingStats struct {
	Enabled       bool    `json:"enabled"`
	MaxConcurrent int64   `json:"max_concurrent"`
	InFlight      int64   `json:"in_flight"`
	Processed     int64   `json:"processed"`
	Shed          int64   `json:"shed"`
	Utilization   float64 `json:"utilization"`
}

// LoadShedder caps concurrent AUTH evaluations. Requests that find no free
// permit are approved immediately in FAIL_OPEN mode instead of queueing.
type LoadShedder struct {
	enabled       bool
	maxConcurrent int64
	sem           *semaphore.Weighted
	outbox        *service.OutboxDispatcher
	metrics       *metrics.MetricsCollector
	logger        *slog.Logger

	inFlight  atomic.Int64
	processed atomic.Int64
	shed      atomic.Int64
}

func NewLoadShedder(
	enabled bool,
	maxConcurrent int64,
	outbox *service.OutboxDispatcher,
	metrics *metrics.MetricsCollector,
	logger *slog.Logger,
) *LoadShedder {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}

	return &LoadShedder{
		enabled:       enabled,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(maxConcurrent),
		outbox:        outbox,
		metrics:       metrics,
		logger:        logger,
	}
}

func (s *LoadShedder) Middleware(next http.Handler) http.Handler {
	if s == nil || !s.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			s.reject(w, r)
			return
		}
		defer s.sem.Release(1)

		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		s.processed.Add(1)

		next.ServeHTTP(w, r)
	})
}

// reject answers without touching the engine. The body is parsed leniently so
// the decision still carries the transaction id and ruleset key.
func (s *LoadShedder) reject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.shed.Add(1)
	s.metrics.RecordLoadShed()

	var req AuthRequest
	_ = decodeBody(w, r, &req)
	tx := req.Transaction()

	decision := domain.NewDecision(tx.TransactionID).FailOpen(domain.ErrorCodeLoadShed)
	decision.RulesetKey = tx.RulesetKey()
	decision.Complete(time.Now(), time.Since(start))
	s.metrics.RecordDecision(decision, time.Since(start))

	s.outbox.EnqueueAuth(tx, decision)

	s.logger.Warn("AUTH request shed",
		slog.String("transaction_id", tx.TransactionID),
		slog.String("decision_id", decision.DecisionID),
		slog.Int64("max_concurrent", s.maxConcurrent))

	sendJSON(w, decision, http.StatusOK, s.logger)
}

func (s *LoadShedder) Stats() LoadSheddingStats {
	if s == nil {
		return LoadSheddingStats{}
	}

	stats := LoadSheddingStats{
		Enabled:       s.enabled,
		MaxConcurrent: s.maxConcurrent,
		InFlight:      s.inFlight.Load(),
		Processed:     s.processed.Load(),
		Shed:          s.shed.Load(),
	}
	if s.maxConcurrent > 0 {
		stats.Utilization = float64(stats.InFlight) / float64(s.maxConcurrent)
	}
	return stats
}
