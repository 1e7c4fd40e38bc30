package service

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fraud_engine/internal/repository/memory"
	"fraud_engine/pkg/metrics"
	"log/slog"
	"sync"
	"time"
)

type HotSwapStatus string

const (
	HotSwapSwapped   HotSwapStatus = "SWAPPED"
	HotSwapUnchanged HotSwapStatus = "UNCHANGED"
	HotSwapNotFound  HotSwapStatus = "NOT_FOUND"
)

// RulesetSource is a RulesetStore that can also produce the newest version of
// everything it holds.
type RulesetSource interface {
	repository.RulesetStore
	LatestAll(ctx context.Context) ([]*domain.Ruleset, error)
}

type HotSwapResult struct {
	Success    bool          `json:"success"`
	Status     HotSwapStatus `json:"status"`
	Message    string        `json:"message"`
	OldVersion int           `json:"old_version,omitempty"`
	NewVersion int           `json:"new_version,omitempty"`
}

type RegistryStatus struct {
	TotalRulesets     int      `json:"total_rulesets"`
	Countries         []string `json:"countries"`
	StorageAccessible bool     `json:"storage_accessible"`
}

// RulesetService keeps the in-memory registry in step with the ruleset store.
type RulesetService struct {
	source          RulesetSource
	registry        *memory.RulesetRegistry
	metrics         *metrics.MetricsCollector
	refreshInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

func NewRulesetService(
	source RulesetSource,
	registry *memory.RulesetRegistry,
	metrics *metrics.MetricsCollector,
	refreshInterval time.Duration,
	logger *slog.Logger,
) *RulesetService {
	if logger == nil {
		logger = slog.Default()
	}

	return &RulesetService{
		source:          source,
		registry:        registry,
		metrics:         metrics,
		refreshInterval: refreshInterval,
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// LoadLatest registers the newest version of every ruleset in the store.
// Rulesets that fail to load keep whatever version is currently registered.
func (s *RulesetService) LoadLatest(ctx context.Context) (int, error) {
	rulesets, loadErr := s.source.LatestAll(ctx)

	var swapped int
	for _, rs := range rulesets {
		current, exists := s.registry.Get(rs.Country, rs.Key)
		if exists && current.Version == rs.Version {
			continue
		}
		s.registry.Swap(rs)
		swapped++

		s.logger.InfoContext(ctx, "Ruleset registered",
			slog.String("ruleset", rs.String()),
			slog.Int("rules", len(rs.Rules)))
	}
	s.metrics.SetRegisteredRulesets(s.registry.Size())

	return swapped, loadErr
}

// Load reads a specific version from the store and registers it.
func (s *RulesetService) Load(ctx context.Context, country, key string, version int) (*domain.Ruleset, error) {
	rs, err := s.source.Load(ctx, country, key, version)
	if err != nil {
		return nil, err
	}

	old := s.registry.Swap(rs)
	s.metrics.SetRegisteredRulesets(s.registry.Size())

	attrs := []any{slog.String("ruleset", rs.String())}
	if old != nil {
		attrs = append(attrs, slog.Int("replaced_version", old.Version))
	}
	s.logger.InfoContext(ctx, "Ruleset loaded", attrs...)

	return rs, nil
}

// HotSwap atomically replaces the registered version of country/key. In-flight
// evaluations finish against the snapshot they started with.
func (s *RulesetService) HotSwap(ctx context.Context, country, key string, version int) (HotSwapResult, error) {
	country = domain.NormalizeCountry(country)
	key = domain.NormalizeRulesetKey(key)
	current, exists := s.registry.Get(country, key)

	if exists && current.Version == version {
		return HotSwapResult{
			Success:    true,
			Status:     HotSwapUnchanged,
			Message:    fmt.Sprintf("%s already active", current),
			OldVersion: current.Version,
			NewVersion: version,
		}, nil
	}

	rs, err := s.source.Load(ctx, country, key, version)
	if errors.Is(err, repository.ErrNotFound) {
		return HotSwapResult{
			Success: false,
			Status:  HotSwapNotFound,
			Message: fmt.Sprintf("ruleset %s/%s/v%d not found", country, key, version),
		}, nil
	}
	if err != nil {
		return HotSwapResult{}, err
	}

	old := s.registry.Swap(rs)
	s.metrics.SetRegisteredRulesets(s.registry.Size())

	result := HotSwapResult{
		Success:    true,
		Status:     HotSwapSwapped,
		Message:    fmt.Sprintf("%s is now active", rs),
		NewVersion: rs.Version,
	}
	if old != nil {
		result.OldVersion = old.Version
	}

	s.logger.InfoContext(ctx, "Ruleset hot swapped",
		slog.String("ruleset", rs.String()),
		slog.Int("old_version", result.OldVersion))

	return result, nil
}

// BulkLoad loads each ref independently and returns how many succeeded.
func (s *RulesetService) BulkLoad(ctx context.Context, refs []repository.RulesetRef) int {
	var loaded int
	for _, ref := range refs {
		if _, err := s.Load(ctx, ref.Country, ref.Key, ref.Version); err != nil {
			s.logger.WarnContext(ctx, "Bulk load skipped ruleset",
				slog.String("country", ref.Country),
				slog.String("key", ref.Key),
				slog.Int("version", ref.Version),
				slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	return loaded
}

func (s *RulesetService) Status() RegistryStatus {
	return RegistryStatus{
		TotalRulesets:     s.registry.Size(),
		Countries:         s.registry.Countries(),
		StorageAccessible: s.StorageAccessible(),
	}
}

func (s *RulesetService) CountryKeys(country string) []string {
	return s.registry.Keys(country)
}

func (s *RulesetService) StorageAccessible() bool {
	return s.source != nil && s.source.Accessible()
}

// Start launches the periodic refresh. A non-positive interval disables it.
func (s *RulesetService) Start() {
	if s.refreshInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go s.refreshLoop()
}

func (s *RulesetService) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	s.logger.Info("Ruleset refresh started", slog.Duration("interval", s.refreshInterval))

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.refreshInterval)
			swapped, err := s.LoadLatest(ctx)
			cancel()
			if err != nil {
				s.logger.Error("Ruleset refresh incomplete", slog.String("error", err.Error()))
			}
			if swapped > 0 {
				s.logger.Info("Ruleset refresh applied", slog.Int("swapped", swapped))
			}
		case <-s.stopChan:
			s.logger.Info("Ruleset refresh stopping")
			return
		}
	}
}

func (s *RulesetService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
