package processor

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// ErrEvaluatorFault marks an evaluation that could not complete because a
// rule is malformed or a dependency it needs failed.
var ErrEvaluatorFault = errors.New("evaluator fault")

const maxRiskScore = 100

type EvaluationResult struct {
	Verdict      domain.Verdict
	MatchedRules []string
	RiskScore    int
}

type RuleEvaluator struct {
	velocity repository.VelocityStore
	env      *cel.Env
	programs sync.Map
	patterns sync.Map
	logger   *slog.Logger
}

func NewRuleEvaluator(velocity repository.VelocityStore, logger *slog.Logger) (*RuleEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := newExpressionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression environment: %w", err)
	}

	return &RuleEvaluator{
		velocity: velocity,
		env:      env,
		logger:   logger,
	}, nil
}

func newExpressionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(string(domain.FieldAmount), cel.DoubleType),
		cel.Variable(string(domain.FieldCurrency), cel.StringType),
		cel.Variable(string(domain.FieldCountryCode), cel.StringType),
		cel.Variable(string(domain.FieldMerchantCategoryCode), cel.StringType),
		cel.Variable(string(domain.FieldTransactionType), cel.StringType),
		cel.Variable(string(domain.FieldCardHash), cel.StringType),
	)
}

// Evaluate runs tx through the enabled rules of rs in order. With ALL_MATCH
// every matching rule is collected and any DECLINE effect declines; with
// FIRST_MATCH the first matching rule decides.
func (e *RuleEvaluator) Evaluate(ctx context.Context, rs *domain.Ruleset, tx *domain.Transaction) (EvaluationResult, error) {
	result := EvaluationResult{
		Verdict:      domain.VerdictApprove,
		MatchedRules: []string{},
	}
	if rs == nil || tx == nil {
		return result, fmt.Errorf("%w: nil ruleset or transaction", ErrEvaluatorFault)
	}

	eval := &evaluation{ctx: ctx, ruleset: rs, tx: tx}

	for _, rule := range rs.Rules {
		if !rule.IsEnabled() {
			continue
		}

		matched, err := e.matchRule(eval, rule)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to evaluate rule",
				slog.String("ruleset", rs.String()),
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			return EvaluationResult{}, fmt.Errorf("%w: rule %s: %w", ErrEvaluatorFault, rule.ID, err)
		}
		if !matched {
			continue
		}

		result.MatchedRules = append(result.MatchedRules, rule.ID)
		switch rule.Effect {
		case domain.EffectDecline:
			result.Verdict = domain.VerdictDecline
		case domain.EffectRiskWeight:
			result.RiskScore = min(result.RiskScore+rule.Weight, maxRiskScore)
		}

		e.logger.DebugContext(ctx, "Rule matched",
			slog.String("rule_id", rule.ID),
			slog.String("effect", string(rule.Effect)),
			slog.String("transaction_id", tx.TransactionID))

		if rs.Policy() == domain.MatchFirst {
			break
		}
	}

	return result, nil
}

// evaluation carries per-call state so the attribute map is built at most once.
type evaluation struct {
	ctx        context.Context
	ruleset    *domain.Ruleset
	tx         *domain.Transaction
	activation map[string]any
}

func (ev *evaluation) attributes() map[string]any {
	if ev.activation == nil {
		ev.activation = ev.tx.Attributes()
	}
	return ev.activation
}

// matchRule ANDs the rule's predicates, stopping at the first miss.
func (e *RuleEvaluator) matchRule(ev *evaluation, rule domain.Rule) (bool, error) {
	for _, p := range rule.Conditions {
		var (
			matched bool
			err     error
		)

		switch p.Kind() {
		case domain.KindExpr:
			matched, err = e.checkExprCondition(p.Expr, ev.attributes())
		case domain.KindVelocity:
			matched, err = e.checkVelocityCondition(ev, rule, *p.Velocity)
		default:
			matched, err = e.checkFieldCondition(p, ev.tx)
		}

		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// Validate compiles every expression and pattern in rs and checks operand
// types, so a ruleset that passes cannot fault on a well-formed transaction
// except through its velocity store.
func (e *RuleEvaluator) Validate(rs *domain.Ruleset) error {
	for _, rule := range rs.Rules {
		switch rule.Effect {
		case domain.EffectDecline, domain.EffectFlag, domain.EffectRiskWeight:
		default:
			return fmt.Errorf("rule %s: unknown effect %q", rule.ID, rule.Effect)
		}
		if rule.Weight < 0 || rule.Weight > maxRiskScore {
			return fmt.Errorf("rule %s: weight %d out of range", rule.ID, rule.Weight)
		}

		for i, p := range rule.Conditions {
			if err := e.validatePredicate(p); err != nil {
				return fmt.Errorf("rule %s condition %d: %w", rule.ID, i, err)
			}
		}
	}
	return nil
}

func (e *RuleEvaluator) validatePredicate(p domain.Predicate) error {
	switch p.Kind() {
	case domain.KindExpr:
		_, err := e.loadOrCompileProgram(p.Expr)
		return err
	case domain.KindVelocity:
		v := p.Velocity
		if p.Field != "" || p.Operator != "" {
			return errors.New("velocity predicate cannot also compare a field")
		}
		if v.Dimension != domain.FieldAmount && !isStringField(v.Dimension) {
			return fmt.Errorf("unknown velocity dimension: %s", v.Dimension)
		}
		if v.Window <= 0 {
			return errors.New("velocity window must be positive")
		}
		if v.Threshold <= 0 {
			return errors.New("velocity threshold must be positive")
		}
		return nil
	}

	if p.Field == domain.FieldAmount {
		return validateAmountOperands(p)
	}
	if !isStringField(p.Field) {
		return fmt.Errorf("unknown field: %s", p.Field)
	}

	switch p.Operator {
	case domain.OpEQ, domain.OpNE, domain.OpContains, domain.OpStartsWith, domain.OpEndsWith:
		if p.Value == "" {
			return fmt.Errorf("operator %s requires a value", p.Operator)
		}
	case domain.OpIn, domain.OpNotIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("operator %s requires values", p.Operator)
		}
	case domain.OpRegex:
		_, err := e.loadOrCompilePattern(p.Value)
		return err
	case domain.OpExists:
	default:
		return fmt.Errorf("operator %s not supported for field %s", p.Operator, p.Field)
	}
	return nil
}

func validateAmountOperands(p domain.Predicate) error {
	switch p.Operator {
	case domain.OpEQ, domain.OpNE, domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		_, err := decimal.NewFromString(p.Value)
		return err
	case domain.OpBetween:
		lo, hi, err := parseBounds(p.Values)
		if err != nil {
			return err
		}
		if lo.GreaterThan(hi) {
			return fmt.Errorf("BETWEEN lower bound %s exceeds upper bound %s", lo, hi)
		}
		return nil
	case domain.OpIn, domain.OpNotIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("operator %s requires values", p.Operator)
		}
		_, err := parseDecimals(p.Values)
		return err
	case domain.OpExists:
		return nil
	default:
		return fmt.Errorf("operator %s not supported for field amount", p.Operator)
	}
}

func (e *RuleEvaluator) loadOrCompileProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := e.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs.Store(expr, program)
	return program, nil
}

func (e *RuleEvaluator) loadOrCompilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	e.patterns.Store(pattern, re)
	return re, nil
}
