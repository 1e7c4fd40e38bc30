package processor

import (
	"context"
	"errors"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fraud_engine/internal/repository/memory"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidRegex = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

func boolPtr(v bool) *bool { return &v }

func purchaseRuleset() *domain.Ruleset {
	return &domain.Ruleset{
		Key:     "PURCHASE",
		Country: domain.GlobalCountry,
		Version: 1,
		Rules: []domain.Rule{
			{
				ID: "high_amount", Priority: 100, Effect: domain.EffectDecline,
				Conditions: []domain.Predicate{{Field: domain.FieldAmount, Operator: domain.OpGTE, Value: "10000"}},
			},
			{
				ID: "risky_mcc", Priority: 50, Effect: domain.EffectDecline,
				Conditions: []domain.Predicate{{Field: domain.FieldMerchantCategoryCode, Operator: domain.OpIn, Values: []string{"7995", "6051"}}},
			},
			{
				ID: "foreign", Priority: 10, Effect: domain.EffectRiskWeight, Weight: 30,
				Conditions: []domain.Predicate{{Field: domain.FieldCountryCode, Operator: domain.OpNE, Value: "US"}},
			},
		},
	}
}

func newTransaction(amount string) *domain.Transaction {
	return domain.NewTransaction("tx1", "card_abc", decimal.RequireFromString(amount), "USD").
		WithCountry("US").
		WithType("PURCHASE")
}

func newEvaluator(t *testing.T) *RuleEvaluator {
	t.Helper()
	e, err := NewRuleEvaluator(memory.NewVelocityStore(), nil)
	require.NoError(t, err)
	return e
}

func newEngine(t *testing.T, rulesets ...*domain.Ruleset) *DecisionEngine {
	t.Helper()
	reg := memory.NewRulesetRegistry()
	reg.ReplaceAll(rulesets)
	return NewDecisionEngine(reg, newEvaluator(t), nil, nil)
}

func TestRuleEvaluator_ApproveWhenNothingMatches(t *testing.T) {
	e := newEvaluator(t)

	result, err := e.Evaluate(context.Background(), purchaseRuleset(), newTransaction("12.50"))

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, result.Verdict)
	assert.NotNil(t, result.MatchedRules)
	assert.Empty(t, result.MatchedRules)
}

func TestRuleEvaluator_AllMatchCollectsEveryRule(t *testing.T) {
	e := newEvaluator(t)
	tx := newTransaction("25000").WithCountry("GB").WithMerchantCategory("7995")

	result, err := e.Evaluate(context.Background(), purchaseRuleset(), tx)

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDecline, result.Verdict)
	assert.Equal(t, []string{"high_amount", "risky_mcc", "foreign"}, result.MatchedRules)
	assert.Equal(t, 30, result.RiskScore)
}

func TestRuleEvaluator_RiskWeightNeverDeclines(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "w1", Effect: domain.EffectRiskWeight, Weight: 80},
		{ID: "w2", Effect: domain.EffectRiskWeight, Weight: 80},
		{ID: "f1", Effect: domain.EffectFlag},
	}}

	result, err := e.Evaluate(context.Background(), rs, newTransaction("1"))

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, result.Verdict)
	assert.Equal(t, 100, result.RiskScore)
	assert.Equal(t, []string{"w1", "w2", "f1"}, result.MatchedRules)
}

func TestRuleEvaluator_FirstMatchStops(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, MatchPolicy: domain.MatchFirst, Rules: []domain.Rule{
		{ID: "flag_all", Effect: domain.EffectFlag},
		{ID: "decline_all", Effect: domain.EffectDecline},
	}}

	result, err := e.Evaluate(context.Background(), rs, newTransaction("1"))

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, result.Verdict)
	assert.Equal(t, []string{"flag_all"}, result.MatchedRules)
}

func TestRuleEvaluator_DisabledRulesSkipped(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "off", Effect: domain.EffectDecline, Enabled: boolPtr(false)},
	}}

	result, err := e.Evaluate(context.Background(), rs, newTransaction("1"))

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, result.Verdict)
	assert.Empty(t, result.MatchedRules)
}

func TestRuleEvaluator_ConditionsAreANDed(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "both", Effect: domain.EffectDecline, Conditions: []domain.Predicate{
			{Field: domain.FieldAmount, Operator: domain.OpBetween, Values: []string{"100", "500"}},
			{Field: domain.FieldCurrency, Operator: domain.OpEQ, Value: "usd"},
		}},
	}}

	inRange, err := e.Evaluate(context.Background(), rs, newTransaction("500"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDecline, inRange.Verdict)

	outOfRange, err := e.Evaluate(context.Background(), rs, newTransaction("500.01"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, outOfRange.Verdict)
}

func TestRuleEvaluator_StringOperators(t *testing.T) {
	e := newEvaluator(t)
	tx := newTransaction("1")
	tx.CardHash = "tok_4111_abcd"

	cases := []struct {
		name string
		p    domain.Predicate
		want bool
	}{
		{"contains", domain.Predicate{Field: domain.FieldCardHash, Operator: domain.OpContains, Value: "4111"}, true},
		{"starts with", domain.Predicate{Field: domain.FieldCardHash, Operator: domain.OpStartsWith, Value: "tok_"}, true},
		{"ends with", domain.Predicate{Field: domain.FieldCardHash, Operator: domain.OpEndsWith, Value: "zzzz"}, false},
		{"regex", domain.Predicate{Field: domain.FieldCardHash, Operator: domain.OpRegex, Value: `^tok_\d{4}_`}, true},
		{"not in", domain.Predicate{Field: domain.FieldCurrency, Operator: domain.OpNotIn, Values: []string{"EUR", "GBP"}}, true},
		{"exists", domain.Predicate{Field: domain.FieldCountryCode, Operator: domain.OpExists}, true},
		{"absent mcc", domain.Predicate{Field: domain.FieldMerchantCategoryCode, Operator: domain.OpExists, Value: "false"}, true},
		{"absent never equals", domain.Predicate{Field: domain.FieldMerchantCategoryCode, Operator: domain.OpNE, Value: "5411"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
				{ID: "r", Effect: domain.EffectDecline, Conditions: []domain.Predicate{tc.p}},
			}}
			require.NoError(t, e.Validate(rs))

			result, err := e.Evaluate(context.Background(), rs, tx)

			require.NoError(t, err)
			assert.Equal(t, tc.want, result.Verdict == domain.VerdictDecline)
		})
	}
}

func TestRuleEvaluator_Expression(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "expr", Effect: domain.EffectDecline, Conditions: []domain.Predicate{
			{Expr: "amount > 900.0 && country_code in ['NG', 'RU']"},
		}},
	}}
	require.NoError(t, e.Validate(rs))

	declined, err := e.Evaluate(context.Background(), rs, newTransaction("950").WithCountry("NG"))
	require.NoError(t, err)
	assert.Equal(t, []string{"expr"}, declined.MatchedRules)

	approved, err := e.Evaluate(context.Background(), rs, newTransaction("950"))
	require.NoError(t, err)
	assert.Empty(t, approved.MatchedRules)
}

func TestRuleEvaluator_Velocity(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "burst", Effect: domain.EffectDecline, Conditions: []domain.Predicate{
			{Velocity: &domain.VelocitySpec{Dimension: domain.FieldCardHash, Window: time.Minute, Threshold: 2}},
		}},
	}}

	var verdicts []domain.Verdict
	for i := 0; i < 3; i++ {
		result, err := e.Evaluate(context.Background(), rs, newTransaction("1"))
		require.NoError(t, err)
		verdicts = append(verdicts, result.Verdict)
	}

	assert.Equal(t, []domain.Verdict{domain.VerdictApprove, domain.VerdictApprove, domain.VerdictDecline}, verdicts)
}

func TestRuleEvaluator_MalformedPredicateFaults(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "bad", Effect: domain.EffectDecline, Conditions: []domain.Predicate{
			{Field: domain.FieldAmount, Operator: domain.OpGT, Value: "lots"},
		}},
	}}

	_, err := e.Evaluate(context.Background(), rs, newTransaction("1"))

	assert.ErrorIs(t, err, ErrEvaluatorFault)
	assert.Error(t, e.Validate(rs))
}

func TestRuleEvaluator_VelocityStoreFailureFaults(t *testing.T) {
	e := newEvaluator(t)
	rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
		{ID: "burst", Effect: domain.EffectDecline, Conditions: []domain.Predicate{
			{Velocity: &domain.VelocitySpec{Dimension: domain.FieldCardHash, Window: time.Minute, Threshold: 2}},
		}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, rs, newTransaction("1"))

	assert.ErrorIs(t, err, ErrEvaluatorFault)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleEvaluator_ValidateRejects(t *testing.T) {
	e := newEvaluator(t)

	cases := map[string]domain.Predicate{
		"non-bool expression": {Expr: "amount + 1.0"},
		"unknown variable":    {Expr: "ip == '1.2.3.4'"},
		"bad regex":           {Field: domain.FieldCardHash, Operator: domain.OpRegex, Value: "("},
		"inverted between":    {Field: domain.FieldAmount, Operator: domain.OpBetween, Values: []string{"10", "1"}},
		"string op on amount": {Field: domain.FieldAmount, Operator: domain.OpContains, Value: "1"},
		"numeric op on text":  {Field: domain.FieldCurrency, Operator: domain.OpGT, Value: "A"},
		"empty in":            {Field: domain.FieldCurrency, Operator: domain.OpIn},
		"zero window":         {Velocity: &domain.VelocitySpec{Dimension: domain.FieldCardHash, Threshold: 1}},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			rs := &domain.Ruleset{Key: "AUTH", Version: 1, Rules: []domain.Rule{
				{ID: "r", Effect: domain.EffectDecline, Conditions: []domain.Predicate{p}},
			}}
			assert.Error(t, e.Validate(rs))
		})
	}
}

func TestDecisionEngine_Evaluate_Normal(t *testing.T) {
	engine := newEngine(t, purchaseRuleset())

	decision, err := engine.Evaluate(context.Background(), newTransaction("15000"))

	require.NoError(t, err)
	assert.Regexp(t, uuidRegex, decision.DecisionID)
	assert.Equal(t, "tx1", decision.TransactionID)
	assert.Equal(t, domain.EvaluationTypeAuth, decision.EvaluationType)
	assert.Equal(t, domain.VerdictDecline, decision.Decision)
	assert.Equal(t, domain.ModeNormal, decision.EngineMode)
	assert.Equal(t, []string{"high_amount"}, decision.MatchedRules)
	assert.Equal(t, "PURCHASE", decision.RulesetKey)
	assert.Equal(t, 1, decision.RulesetVersion)
	assert.GreaterOrEqual(t, decision.ProcessingTimeMs, 0.0)
	assert.False(t, decision.Timestamp.IsZero())
	require.NotNil(t, decision.TimingBreakdown)
}

func TestDecisionEngine_Evaluate_FailOpen(t *testing.T) {
	engine := newEngine(t, purchaseRuleset())
	tx := newTransaction("15000").WithType("UNKNOWN_RULESET_TYPE")

	decision, err := engine.Evaluate(context.Background(), tx)

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, decision.Decision)
	assert.Equal(t, domain.ModeFailOpen, decision.EngineMode)
	assert.Equal(t, domain.ErrorCodeRulesetNotFound, decision.EngineErrorCode)
	assert.NotNil(t, decision.MatchedRules)
	assert.Empty(t, decision.MatchedRules)
	assert.Equal(t, "UNKNOWN_RULESET_TYPE", decision.RulesetKey)
	assert.Zero(t, decision.RulesetVersion)
}

func TestDecisionEngine_Evaluate_DistinctIDs(t *testing.T) {
	engine := newEngine(t, purchaseRuleset())
	tx := newTransaction("10")

	first, err := engine.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	second, err := engine.Evaluate(context.Background(), tx)
	require.NoError(t, err)

	assert.NotEqual(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.MatchedRules, second.MatchedRules)
}

type failingRepository struct{ err error }

func (r failingRepository) Resolve(ctx context.Context, transactionType, countryCode string) (*domain.Ruleset, error) {
	return nil, r.err
}

func TestDecisionEngine_Evaluate_RepositoryFailureIsReturned(t *testing.T) {
	engine := NewDecisionEngine(failingRepository{err: repository.ErrUnavailable}, newEvaluator(t), nil, nil)

	decision, err := engine.Evaluate(context.Background(), newTransaction("10"))

	assert.Nil(t, decision)
	assert.ErrorIs(t, err, repository.ErrUnavailable)
}

func TestDecisionEngine_Evaluate_FaultIsNotMasked(t *testing.T) {
	bad := &domain.Ruleset{Key: "PURCHASE", Version: 1, Rules: []domain.Rule{
		{ID: "bad", Effect: domain.EffectDecline, Conditions: []domain.Predicate{{Field: "ip", Operator: domain.OpEQ, Value: "x"}}},
	}}
	engine := newEngine(t, bad)

	_, err := engine.Evaluate(context.Background(), newTransaction("10"))

	assert.True(t, errors.Is(err, ErrEvaluatorFault))
}

func TestDecisionEngine_Evaluate_ClampsNegativeElapsed(t *testing.T) {
	engine := newEngine(t, purchaseRuleset())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	engine.now = func() time.Time {
		calls++
		return base.Add(-time.Duration(calls) * time.Millisecond)
	}

	decision, err := engine.Evaluate(context.Background(), newTransaction("10"))

	require.NoError(t, err)
	assert.Equal(t, 0.0, decision.ProcessingTimeMs)
	assert.Equal(t, 0.0, decision.TimingBreakdown.RulesetLookupTimeMs)
}

func TestDecisionEngine_Evaluate_Concurrent(t *testing.T) {
	engine := newEngine(t, purchaseRuleset())

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := engine.Evaluate(context.Background(), newTransaction("10"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			ids[decision.DecisionID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 50)
}
