package ruleset

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var versionFileRegex = regexp.MustCompile(`^v([1-9][0-9]*)\.ya?ml$`)

// DirectoryStore reads versioned rulesets laid out as
// <root>/<country>/<KEY>/v<N>.yaml.
type DirectoryStore struct {
	root   string
	loader *Loader
	logger *slog.Logger
}

func NewDirectoryStore(root string, loader *Loader, logger *slog.Logger) *DirectoryStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &DirectoryStore{
		root:   root,
		loader: loader,
		logger: logger,
	}
}

func (s *DirectoryStore) Accessible() bool {
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

func (s *DirectoryStore) Load(ctx context.Context, country, key string, version int) (*domain.Ruleset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version <= 0 {
		return nil, fmt.Errorf("%w: version must be positive, got %d", repository.ErrInvalidRuleset, version)
	}

	country = domain.NormalizeCountry(country)
	key = domain.NormalizeRulesetKey(key)

	path, err := s.versionPath(country, key, version)
	if err != nil {
		return nil, err
	}

	rs, err := s.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := matchLocation(rs, country, key, version); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.logger.DebugContext(ctx, "Ruleset loaded from directory",
		slog.String("ruleset", rs.String()),
		slog.String("path", path))

	return rs, nil
}

func (s *DirectoryStore) Latest(ctx context.Context, country, key string) (*domain.Ruleset, error) {
	country = domain.NormalizeCountry(country)
	key = domain.NormalizeRulesetKey(key)

	versions, err := s.versions(country, key)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: ruleset %s/%s", repository.ErrNotFound, country, key)
	}

	return s.Load(ctx, country, key, versions[len(versions)-1])
}

// List returns every ruleset version present on disk, ordered by country, key and version.
func (s *DirectoryStore) List(ctx context.Context) ([]repository.RulesetRef, error) {
	countries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: ruleset directory %s", repository.ErrUnavailable, s.root)
		}
		return nil, fmt.Errorf("failed to read ruleset directory: %w", err)
	}

	var refs []repository.RulesetRef
	for _, countryEntry := range countries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !countryEntry.IsDir() {
			continue
		}
		keys, err := os.ReadDir(filepath.Join(s.root, countryEntry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read country directory %s: %w", countryEntry.Name(), err)
		}
		for _, keyEntry := range keys {
			if !keyEntry.IsDir() {
				continue
			}
			country := domain.NormalizeCountry(countryEntry.Name())
			key := domain.NormalizeRulesetKey(keyEntry.Name())
			versions, err := s.versions(country, key)
			if err != nil {
				return nil, err
			}
			for _, v := range versions {
				refs = append(refs, repository.RulesetRef{Country: country, Key: key, Version: v})
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Country != refs[j].Country {
			return refs[i].Country < refs[j].Country
		}
		if refs[i].Key != refs[j].Key {
			return refs[i].Key < refs[j].Key
		}
		return refs[i].Version < refs[j].Version
	})

	return refs, nil
}

// LatestAll loads the newest version of every ruleset on disk. Rulesets that
// fail to load are skipped and reported in the joined error.
func (s *DirectoryStore) LatestAll(ctx context.Context) ([]*domain.Ruleset, error) {
	refs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]repository.RulesetRef)
	var order []string
	for _, ref := range refs {
		id := ref.Country + "/" + ref.Key
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = ref
	}

	var (
		result []*domain.Ruleset
		errs   []error
	)
	for _, id := range order {
		ref := latest[id]
		rs, err := s.Load(ctx, ref.Country, ref.Key, ref.Version)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to load ruleset",
				slog.String("ruleset", id),
				slog.Int("version", ref.Version),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		result = append(result, rs)
	}

	return result, errors.Join(errs...)
}

func (s *DirectoryStore) versions(country, key string) ([]int, error) {
	dir, ok := s.keyDir(country, key)
	if !ok {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset directory %s: %w", dir, err)
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := versionFileRegex.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)

	return versions, nil
}

func (s *DirectoryStore) versionPath(country, key string, version int) (string, error) {
	dir, ok := s.keyDir(country, key)
	if !ok {
		return "", fmt.Errorf("%w: ruleset %s/%s", repository.ErrNotFound, country, key)
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, fmt.Sprintf("v%d%s", version, ext))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: ruleset %s/%s/v%d", repository.ErrNotFound, country, key, version)
}

// keyDir finds the directory for country/key, matching names case-insensitively.
func (s *DirectoryStore) keyDir(country, key string) (string, bool) {
	countryDir, ok := findDir(s.root, country)
	if !ok {
		return "", false
	}
	return findDir(countryDir, key)
}

func findDir(parent, name string) (string, bool) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(entry.Name(), name) {
			return filepath.Join(parent, entry.Name()), true
		}
	}
	return "", false
}

// matchLocation rejects files whose content disagrees with where they live.
func matchLocation(rs *domain.Ruleset, country, key string, version int) error {
	if rs.Key != key {
		return fmt.Errorf("%w: key %s does not match directory %s", repository.ErrInvalidRuleset, rs.Key, key)
	}
	if rs.Version != version {
		return fmt.Errorf("%w: version %d does not match file v%d", repository.ErrInvalidRuleset, rs.Version, version)
	}
	if rs.Country == domain.GlobalCountry && country != domain.GlobalCountry {
		rs.Country = country
	}
	if rs.Country != country {
		return fmt.Errorf("%w: country %s does not match directory %s", repository.ErrInvalidRuleset, rs.Country, country)
	}
	return nil
}
