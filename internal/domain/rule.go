package domain

import (
	"fmt"
	"strings"
	"time"
)

// GlobalCountry is the registry partition consulted when no country-specific ruleset exists.
const GlobalCountry = "global"

// NormalizeCountry maps empty and "global" to the global partition and
// upper-cases ISO country codes.
func NormalizeCountry(country string) string {
	country = strings.TrimSpace(country)
	if country == "" || strings.EqualFold(country, GlobalCountry) {
		return GlobalCountry
	}
	return strings.ToUpper(country)
}

type MatchPolicy string
type Effect string
type Operator string
type PredicateKind string

const (
	MatchAll   MatchPolicy = "ALL_MATCH"
	MatchFirst MatchPolicy = "FIRST_MATCH"

	EffectDecline    Effect = "DECLINE"
	EffectFlag       Effect = "FLAG"
	EffectRiskWeight Effect = "RISK_WEIGHT"

	OpEQ         Operator = "EQ"
	OpNE         Operator = "NE"
	OpGT         Operator = "GT"
	OpGTE        Operator = "GTE"
	OpLT         Operator = "LT"
	OpLTE        Operator = "LTE"
	OpBetween    Operator = "BETWEEN"
	OpIn         Operator = "IN"
	OpNotIn      Operator = "NOT_IN"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpRegex      Operator = "REGEX"
	OpExists     Operator = "EXISTS"

	KindField    PredicateKind = "FIELD"
	KindExpr     PredicateKind = "EXPR"
	KindVelocity PredicateKind = "VELOCITY"
)

type Ruleset struct {
	Key         string      `json:"key" yaml:"key"`
	Country     string      `json:"country" yaml:"country"`
	Version     int         `json:"version" yaml:"version"`
	MatchPolicy MatchPolicy `json:"match_policy,omitempty" yaml:"match_policy,omitempty"`
	Rules       []Rule      `json:"rules" yaml:"rules"`
}

func (rs *Ruleset) String() string {
	return fmt.Sprintf("%s/%s/v%d", rs.Country, rs.Key, rs.Version)
}

func (rs *Ruleset) Policy() MatchPolicy {
	if rs.MatchPolicy == "" {
		return MatchAll
	}
	return rs.MatchPolicy
}

type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int         `json:"priority" yaml:"priority"`
	Enabled     *bool       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Effect      Effect      `json:"effect" yaml:"effect"`
	Weight      int         `json:"weight,omitempty" yaml:"weight,omitempty"`
	Conditions  []Predicate `json:"conditions" yaml:"conditions"`
}

// IsEnabled treats an omitted enabled flag as true.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Predicate is one condition of a rule. Exactly one of the field comparison,
// Expr or Velocity forms is populated.
type Predicate struct {
	Field    Field         `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    string        `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string      `json:"values,omitempty" yaml:"values,omitempty"`
	Expr     string        `json:"expr,omitempty" yaml:"expr,omitempty"`
	Velocity *VelocitySpec `json:"velocity,omitempty" yaml:"velocity,omitempty"`
}

func (p Predicate) Kind() PredicateKind {
	switch {
	case p.Expr != "":
		return KindExpr
	case p.Velocity != nil:
		return KindVelocity
	default:
		return KindField
	}
}

// VelocitySpec matches once more than Threshold evaluations share the same
// Dimension value inside Window.
type VelocitySpec struct {
	Dimension Field         `json:"dimension" yaml:"dimension"`
	Window    time.Duration `json:"window" yaml:"window"`
	Threshold int64         `json:"threshold" yaml:"threshold"`
}
