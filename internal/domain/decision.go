package domain

import (
	"time"

	"github.com/google/uuid"
)

type Verdict string
type EngineMode string

const (
	EvaluationTypeAuth = "AUTH"

	VerdictApprove Verdict = "APPROVE"
	VerdictDecline Verdict = "DECLINE"

	ModeNormal   EngineMode = "NORMAL"
	ModeFailOpen EngineMode = "FAIL_OPEN"

	ErrorCodeRulesetNotFound = "RULESET_NOT_FOUND"
	ErrorCodeLoadShed        = "LOAD_SHED"
)

type TimingBreakdown struct {
	RulesetLookupTimeMs  float64 `json:"ruleset_lookup_time_ms"`
	RuleEvaluationTimeMs float64 `json:"rule_evaluation_time_ms"`
}

// Decision is the per-request verdict record. It is built once and never persisted by the engine.
type Decision struct {
	DecisionID       string           `json:"decision_id"`
	TransactionID    string           `json:"transaction_id"`
	EvaluationType   string           `json:"evaluation_type"`
	Decision         Verdict          `json:"decision"`
	MatchedRules     []string         `json:"matched_rules"`
	EngineMode       EngineMode       `json:"engine_mode"`
	Timestamp        time.Time        `json:"timestamp"`
	ProcessingTimeMs float64          `json:"processing_time_ms"`
	RulesetKey       string           `json:"ruleset_key,omitempty"`
	RulesetVersion   int              `json:"ruleset_version,omitempty"`
	RiskScore        int              `json:"risk_score"`
	EngineErrorCode  string           `json:"engine_error_code,omitempty"`
	TimingBreakdown  *TimingBreakdown `json:"timing_breakdown,omitempty"`
}

// NewDecision mints a decision with a fresh random (v4) id.
func NewDecision(transactionID string) *Decision {
	return &Decision{
		DecisionID:     uuid.NewString(),
		TransactionID:  transactionID,
		EvaluationType: EvaluationTypeAuth,
		Decision:       VerdictApprove,
		MatchedRules:   []string{},
		EngineMode:     ModeNormal,
	}
}

// FailOpen switches the decision to the approve-without-rules outcome.
func (d *Decision) FailOpen(errorCode string) *Decision {
	d.Decision = VerdictApprove
	d.EngineMode = ModeFailOpen
	d.MatchedRules = []string{}
	d.EngineErrorCode = errorCode
	return d
}

// Complete stamps completion time and latency. Negative elapsed values are clamped to zero.
func (d *Decision) Complete(completedAt time.Time, elapsed time.Duration) *Decision {
	d.Timestamp = completedAt.UTC()
	d.ProcessingTimeMs = DurationMillis(elapsed)
	return d
}

func DurationMillis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d.Microseconds()) / 1000
}

// OutboxEvent is the durable record of one AUTH evaluation.
type OutboxEvent struct {
	EventID     string       `json:"event_id"`
	Transaction *Transaction `json:"transaction"`
	Decision    *Decision    `json:"decision"`
	Signature   string       `json:"signature,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

func NewOutboxEvent(tx *Transaction, d *Decision) *OutboxEvent {
	return &OutboxEvent{
		EventID:     uuid.NewString(),
		Transaction: tx,
		Decision:    d,
		CreatedAt:   time.Now().UTC(),
	}
}
