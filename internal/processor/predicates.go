package processor

import (
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

func isStringField(field domain.Field) bool {
	switch field {
	case domain.FieldCurrency, domain.FieldCountryCode, domain.FieldMerchantCategoryCode,
		domain.FieldTransactionType, domain.FieldCardHash:
		return true
	}
	return false
}

func (e *RuleEvaluator) checkFieldCondition(p domain.Predicate, tx *domain.Transaction) (bool, error) {
	if p.Field == domain.FieldAmount {
		return checkAmountCondition(p, tx.Amount)
	}
	if !isStringField(p.Field) {
		return false, fmt.Errorf("unknown field: %s", p.Field)
	}

	value, present := tx.StringField(p.Field)
	return e.checkStringCondition(p, value, present)
}

func checkAmountCondition(p domain.Predicate, amount decimal.Decimal) (bool, error) {
	switch p.Operator {
	case domain.OpExists:
		return true, nil
	case domain.OpBetween:
		lo, hi, err := parseBounds(p.Values)
		if err != nil {
			return false, err
		}
		return amount.GreaterThanOrEqual(lo) && amount.LessThanOrEqual(hi), nil
	case domain.OpIn, domain.OpNotIn:
		targets, err := parseDecimals(p.Values)
		if err != nil {
			return false, err
		}
		found := slices.ContainsFunc(targets, amount.Equal)
		return found == (p.Operator == domain.OpIn), nil
	}

	target, err := decimal.NewFromString(p.Value)
	if err != nil {
		return false, fmt.Errorf("invalid value type for amount: %q", p.Value)
	}

	switch p.Operator {
	case domain.OpGT:
		return amount.GreaterThan(target), nil
	case domain.OpGTE:
		return amount.GreaterThanOrEqual(target), nil
	case domain.OpLT:
		return amount.LessThan(target), nil
	case domain.OpLTE:
		return amount.LessThanOrEqual(target), nil
	case domain.OpEQ:
		return amount.Equal(target), nil
	case domain.OpNE:
		return !amount.Equal(target), nil
	default:
		return false, fmt.Errorf("unknown operator for amount: %s", p.Operator)
	}
}

// checkStringCondition compares code-like values case-insensitively for
// equality and membership; substring and pattern checks are case-sensitive.
// An absent field matches nothing except EXISTS with value "false".
func (e *RuleEvaluator) checkStringCondition(p domain.Predicate, value string, present bool) (bool, error) {
	if p.Operator == domain.OpExists {
		want := !strings.EqualFold(strings.TrimSpace(p.Value), "false")
		return present == want, nil
	}
	if !present {
		return false, nil
	}

	switch p.Operator {
	case domain.OpEQ:
		return strings.EqualFold(value, p.Value), nil
	case domain.OpNE:
		return !strings.EqualFold(value, p.Value), nil
	case domain.OpIn, domain.OpNotIn:
		found := slices.ContainsFunc(p.Values, func(v string) bool {
			return strings.EqualFold(value, v)
		})
		return found == (p.Operator == domain.OpIn), nil
	case domain.OpContains:
		return strings.Contains(value, p.Value), nil
	case domain.OpStartsWith:
		return strings.HasPrefix(value, p.Value), nil
	case domain.OpEndsWith:
		return strings.HasSuffix(value, p.Value), nil
	case domain.OpRegex:
		re, err := e.loadOrCompilePattern(p.Value)
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	default:
		return false, fmt.Errorf("unknown operator for %s: %s", p.Field, p.Operator)
	}
}

func (e *RuleEvaluator) checkExprCondition(expr string, activation map[string]any) (bool, error) {
	program, err := e.loadOrCompileProgram(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		return false, err
	}

	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	return v, nil
}

// checkVelocityCondition counts the evaluations that reach this predicate for
// the same dimension value and matches once the count exceeds the threshold.
func (e *RuleEvaluator) checkVelocityCondition(ev *evaluation, rule domain.Rule, spec domain.VelocitySpec) (bool, error) {
	if e.velocity == nil {
		return false, errors.New("velocity store not configured")
	}

	var value string
	if spec.Dimension == domain.FieldAmount {
		value = ev.tx.Amount.String()
	} else {
		value, _ = ev.tx.StringField(spec.Dimension)
	}
	if value == "" {
		return false, nil
	}

	key := fmt.Sprintf("velocity:%s:%s:%s:%s=%s",
		ev.ruleset.Country, ev.ruleset.Key, rule.ID, spec.Dimension, value)

	count, err := e.velocity.Increment(ev.ctx, key, spec.Window)
	if err != nil {
		return false, fmt.Errorf("velocity store: %w", err)
	}

	return count > spec.Threshold, nil
}

func parseBounds(values []string) (decimal.Decimal, decimal.Decimal, error) {
	if len(values) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("BETWEEN requires exactly 2 values, got %d", len(values))
	}
	bounds, err := parseDecimals(values)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bounds[0], bounds[1], nil
}

func parseDecimals(values []string) ([]decimal.Decimal, error) {
	result := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
		}
		result = append(result, d)
	}
	return result, nil
}
