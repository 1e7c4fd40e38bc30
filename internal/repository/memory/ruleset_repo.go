package memory

import (
	"context"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

type registrySnapshot struct {
	rulesets map[string]map[string]*domain.Ruleset
}

func (s *registrySnapshot) clone() *registrySnapshot {
	next := &registrySnapshot{rulesets: make(map[string]map[string]*domain.Ruleset, len(s.rulesets))}
	for country, byKey := range s.rulesets {
		copied := make(map[string]*domain.Ruleset, len(byKey))
		for key, rs := range byKey {
			copied[key] = rs
		}
		next.rulesets[country] = copied
	}
	return next
}

// RulesetRegistry serves lookups from an immutable snapshot. Writers build a
// new snapshot and publish it atomically, so readers never lock.
type RulesetRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[registrySnapshot]
}

func NewRulesetRegistry() *RulesetRegistry {
	r := &RulesetRegistry{}
	r.snapshot.Store(&registrySnapshot{rulesets: make(map[string]map[string]*domain.Ruleset)})
	return r
}

func (r *RulesetRegistry) Resolve(ctx context.Context, transactionType, countryCode string) (*domain.Ruleset, error) {
	key := domain.NormalizeRulesetKey(transactionType)
	snap := r.snapshot.Load()

	country := domain.NormalizeCountry(countryCode)
	if country != domain.GlobalCountry {
		if rs, ok := snap.rulesets[country][key]; ok {
			return rs, nil
		}
	}
	if rs, ok := snap.rulesets[domain.GlobalCountry][key]; ok {
		return rs, nil
	}

	return nil, fmt.Errorf("%w: ruleset %s", repository.ErrNotFound, key)
}

func (r *RulesetRegistry) Get(country, key string) (*domain.Ruleset, bool) {
	rs, ok := r.snapshot.Load().rulesets[domain.NormalizeCountry(country)][domain.NormalizeRulesetKey(key)]
	return rs, ok
}

// Swap registers rs, replacing whatever was registered under the same
// country and key, and returns the replaced ruleset (nil if none).
func (r *RulesetRegistry) Swap(rs *domain.Ruleset) *domain.Ruleset {
	r.mu.Lock()
	defer r.mu.Unlock()

	country := domain.NormalizeCountry(rs.Country)
	key := domain.NormalizeRulesetKey(rs.Key)

	next := r.snapshot.Load().clone()
	if next.rulesets[country] == nil {
		next.rulesets[country] = make(map[string]*domain.Ruleset)
	}
	old := next.rulesets[country][key]
	next.rulesets[country][key] = rs
	r.snapshot.Store(next)

	return old
}

func (r *RulesetRegistry) ReplaceAll(rulesets []*domain.Ruleset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &registrySnapshot{rulesets: make(map[string]map[string]*domain.Ruleset)}
	for _, rs := range rulesets {
		country := domain.NormalizeCountry(rs.Country)
		if next.rulesets[country] == nil {
			next.rulesets[country] = make(map[string]*domain.Ruleset)
		}
		next.rulesets[country][domain.NormalizeRulesetKey(rs.Key)] = rs
	}
	r.snapshot.Store(next)
}

func (r *RulesetRegistry) Remove(country, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	country = domain.NormalizeCountry(country)
	key = domain.NormalizeRulesetKey(key)

	next := r.snapshot.Load().clone()
	if _, exists := next.rulesets[country][key]; !exists {
		return fmt.Errorf("%w: ruleset %s/%s", repository.ErrNotFound, country, key)
	}
	delete(next.rulesets[country], key)
	if len(next.rulesets[country]) == 0 {
		delete(next.rulesets, country)
	}
	r.snapshot.Store(next)

	return nil
}

func (r *RulesetRegistry) Countries() []string {
	snap := r.snapshot.Load()

	result := make([]string, 0, len(snap.rulesets))
	for country := range snap.rulesets {
		result = append(result, country)
	}
	sort.Strings(result)

	return result
}

func (r *RulesetRegistry) Keys(country string) []string {
	byKey := r.snapshot.Load().rulesets[domain.NormalizeCountry(country)]

	result := make([]string, 0, len(byKey))
	for key := range byKey {
		result = append(result, key)
	}
	sort.Strings(result)

	return result
}

func (r *RulesetRegistry) All() []*domain.Ruleset {
	snap := r.snapshot.Load()

	var result []*domain.Ruleset
	for _, byKey := range snap.rulesets {
		for _, rs := range byKey {
			result = append(result, rs)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})

	return result
}

func (r *RulesetRegistry) Size() int {
	var total int
	for _, byKey := range r.snapshot.Load().rulesets {
		total += len(byKey)
	}
	return total
}
