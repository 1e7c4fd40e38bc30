package ruleset

import (
	"context"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleset(t *testing.T, root, country, key string, version int, body string) {
	t.Helper()

	dir := filepath.Join(root, country, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("v%d.yaml", version))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestStore(t *testing.T) (*DirectoryStore, string) {
	t.Helper()

	root := t.TempDir()
	loader, err := NewLoader(nil)
	require.NoError(t, err)

	return NewDirectoryStore(root, loader, nil), root
}

func TestDirectoryStore_LoadAndLatest(t *testing.T) {
	store, root := newTestStore(t)
	writeRuleset(t, root, "global", "PURCHASE", 1, "key: PURCHASE\nversion: 1\nrules: []\n")
	writeRuleset(t, root, "global", "PURCHASE", 2, "key: PURCHASE\nversion: 2\nrules: []\n")
	ctx := context.Background()

	rs, err := store.Load(ctx, "", "purchase", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Version)

	latest, err := store.Latest(ctx, "global", "PURCHASE")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestDirectoryStore_CountryDirectoryFillsCountry(t *testing.T) {
	store, root := newTestStore(t)
	writeRuleset(t, root, "US", "AUTH", 1, "key: AUTH\nversion: 1\nrules: []\n")

	rs, err := store.Load(context.Background(), "us", "AUTH", 1)

	require.NoError(t, err)
	assert.Equal(t, "US", rs.Country)
}

func TestDirectoryStore_MismatchedContent(t *testing.T) {
	store, root := newTestStore(t)
	writeRuleset(t, root, "global", "AUTH", 1, "key: REFUND\nversion: 1\nrules: []\n")
	writeRuleset(t, root, "global", "AUTH", 2, "key: AUTH\nversion: 5\nrules: []\n")
	ctx := context.Background()

	_, err := store.Load(ctx, "global", "AUTH", 1)
	assert.ErrorIs(t, err, repository.ErrInvalidRuleset)

	_, err = store.Load(ctx, "global", "AUTH", 2)
	assert.ErrorIs(t, err, repository.ErrInvalidRuleset)
}

func TestDirectoryStore_NotFound(t *testing.T) {
	store, root := newTestStore(t)
	writeRuleset(t, root, "global", "AUTH", 1, "key: AUTH\nversion: 1\nrules: []\n")
	ctx := context.Background()

	_, err := store.Load(ctx, "global", "AUTH", 9)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.Latest(ctx, "global", "REFUND")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.Load(ctx, "global", "AUTH", 0)
	assert.ErrorIs(t, err, repository.ErrInvalidRuleset)
}

func TestDirectoryStore_ListAndLatestAll(t *testing.T) {
	store, root := newTestStore(t)
	writeRuleset(t, root, "global", "AUTH", 1, "key: AUTH\nversion: 1\nrules: []\n")
	writeRuleset(t, root, "global", "PURCHASE", 1, "key: PURCHASE\nversion: 1\nrules: []\n")
	writeRuleset(t, root, "global", "PURCHASE", 2, "key: PURCHASE\nversion: 2\nrules: []\n")
	writeRuleset(t, root, "DE", "PURCHASE", 1, "key: PURCHASE\nversion: 1\nrules:\n  - id: bad\n    effect: NOPE\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "global", "PURCHASE", "README.md"), []byte("notes"), 0o644))
	ctx := context.Background()

	refs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repository.RulesetRef{
		{Country: "DE", Key: "PURCHASE", Version: 1},
		{Country: domain.GlobalCountry, Key: "AUTH", Version: 1},
		{Country: domain.GlobalCountry, Key: "PURCHASE", Version: 1},
		{Country: domain.GlobalCountry, Key: "PURCHASE", Version: 2},
	}, refs)

	all, err := store.LatestAll(ctx)
	assert.ErrorIs(t, err, repository.ErrInvalidRuleset)
	require.Len(t, all, 2)
	assert.Equal(t, "global/AUTH/v1", all[0].String())
	assert.Equal(t, "global/PURCHASE/v2", all[1].String())
}

func TestDirectoryStore_Accessible(t *testing.T) {
	store, _ := newTestStore(t)
	assert.True(t, store.Accessible())

	missing := NewDirectoryStore(filepath.Join(t.TempDir(), "absent"), store.loader, nil)
	assert.False(t, missing.Accessible())

	_, err := missing.List(context.Background())
	assert.ErrorIs(t, err, repository.ErrUnavailable)
}
