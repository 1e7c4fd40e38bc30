package processor

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fraud_engine/pkg/metrics"
	"log/slog"
	"time"
)

type Evaluator interface {
	Evaluate(ctx context.Context, rs *domain.Ruleset, tx *domain.Transaction) (EvaluationResult, error)
}

// DecisionEngine turns a transaction into a Decision. A transaction type with
// no registered ruleset is approved in FAIL_OPEN mode; every other failure is
// returned to the caller.
type DecisionEngine struct {
	rulesets  repository.RulesetRepository
	evaluator Evaluator
	metrics   *metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

func NewDecisionEngine(
	rulesets repository.RulesetRepository,
	evaluator Evaluator,
	metrics *metrics.MetricsCollector,
	logger *slog.Logger,
) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &DecisionEngine{
		rulesets:  rulesets,
		evaluator: evaluator,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *DecisionEngine) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error) {
	start := d.now()

	decision := domain.NewDecision(tx.TransactionID)
	decision.RulesetKey = tx.RulesetKey()
	timing := &domain.TimingBreakdown{}
	decision.TimingBreakdown = timing

	rs, err := d.rulesets.Resolve(ctx, tx.TransactionType, tx.CountryCode)
	resolvedAt := d.now()
	timing.RulesetLookupTimeMs = domain.DurationMillis(resolvedAt.Sub(start))

	switch {
	case errors.Is(err, repository.ErrNotFound):
		decision.FailOpen(domain.ErrorCodeRulesetNotFound)
		d.logger.WarnContext(ctx, "No ruleset registered, failing open",
			slog.String("transaction_id", tx.TransactionID),
			slog.String("ruleset_key", decision.RulesetKey),
			slog.String("country_code", tx.CountryCode))

	case err != nil:
		return nil, fmt.Errorf("failed to resolve ruleset %s: %w", decision.RulesetKey, err)

	default:
		result, err := d.evaluator.Evaluate(ctx, rs, tx)
		if err != nil {
			if errors.Is(err, ErrEvaluatorFault) {
				d.metrics.RecordEvaluatorFault()
			}
			return nil, fmt.Errorf("failed to evaluate ruleset %s: %w", rs, err)
		}

		decision.Decision = result.Verdict
		decision.MatchedRules = result.MatchedRules
		decision.RiskScore = result.RiskScore
		decision.RulesetVersion = rs.Version
		timing.RuleEvaluationTimeMs = domain.DurationMillis(d.now().Sub(resolvedAt))
	}

	completedAt := d.now()
	elapsed := completedAt.Sub(start)
	decision.Complete(completedAt, elapsed)
	d.metrics.RecordDecision(decision, elapsed)

	d.logger.InfoContext(ctx, "AUTH decision",
		slog.String("decision_id", decision.DecisionID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("decision", string(decision.Decision)),
		slog.String("engine_mode", string(decision.EngineMode)),
		slog.Int("matched_rules", len(decision.MatchedRules)),
		slog.Float64("processing_time_ms", decision.ProcessingTimeMs))

	return decision, nil
}
