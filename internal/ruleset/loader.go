package ruleset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema/ruleset.schema.json
var schemaJSON []byte

const schemaURL = "mem://ruleset.schema.json"

// Checker performs the semantic checks the schema cannot express, such as
// compiling expressions and regular expressions.
type Checker interface {
	Validate(rs *domain.Ruleset) error
}

// Loader parses ruleset documents and rejects anything that would fault at
// evaluation time.
type Loader struct {
	schema  *jsonschema.Schema
	checker Checker
}

func NewLoader(checker Checker) (*Loader, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ruleset schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add ruleset schema: %w", err)
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ruleset schema: %w", err)
	}

	return &Loader{schema: schema, checker: checker}, nil
}

func (l *Loader) LoadFile(path string) (*domain.Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: ruleset file %s", repository.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read ruleset file %s: %w", path, err)
	}

	rs, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse validates a YAML (or JSON) ruleset document against the schema,
// decodes it and orders its rules by priority, highest first.
func (l *Loader) Parse(data []byte) (*domain.Ruleset, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidRuleset, err)
	}
	if err := l.validateSchema(raw); err != nil {
		return nil, err
	}

	var rs domain.Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidRuleset, err)
	}

	normalize(&rs)

	if err := checkRuleIDs(&rs); err != nil {
		return nil, err
	}
	if l.checker != nil {
		if err := l.checker.Validate(&rs); err != nil {
			return nil, fmt.Errorf("%w: %v", repository.ErrInvalidRuleset, err)
		}
	}

	return &rs, nil
}

func (l *Loader) validateSchema(raw any) error {
	// Round-trip through JSON so the validator sees plain JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidRuleset, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidRuleset, err)
	}

	if err := l.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s", repository.ErrInvalidRuleset, schemaMessage(err))
	}
	return nil
}

func schemaMessage(err error) string {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "/" + strings.Join(e.InstanceLocation, "/")
			leaves = append(leaves, fmt.Sprintf("%s: %s", path, e.Error()))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(validationErr)

	return strings.Join(leaves, "; ")
}

func normalize(rs *domain.Ruleset) {
	rs.Key = domain.NormalizeRulesetKey(rs.Key)
	rs.Country = domain.NormalizeCountry(rs.Country)

	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})

	for i := range rs.Rules {
		if rs.Rules[i].Name == "" {
			rs.Rules[i].Name = rs.Rules[i].ID
		}
		if rs.Rules[i].Conditions == nil {
			rs.Rules[i].Conditions = []domain.Predicate{}
		}
	}
}

func checkRuleIDs(rs *domain.Ruleset) error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, rule := range rs.Rules {
		if _, exists := seen[rule.ID]; exists {
			return fmt.Errorf("%w: duplicate rule id %q", repository.ErrInvalidRuleset, rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}
	return nil
}
