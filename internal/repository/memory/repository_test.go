package memory

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRulesetRegistry_ResolveGlobal(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Country: "global", Version: 1})

	got, err := reg.Resolve(context.Background(), "purchase", "")

	if err != nil {
		t.Fatalf("unexpected error on Resolve: %v", err)
	}
	if got.Key != "PURCHASE" || got.Version != 1 {
		t.Errorf("expected PURCHASE/v1, got %s", got)
	}
}

func TestRulesetRegistry_ResolveCountryBeforeGlobal(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Country: "global", Version: 1})
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Country: "us", Version: 7})

	us, err := reg.Resolve(context.Background(), "PURCHASE", "US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if us.Version != 7 {
		t.Errorf("expected country ruleset v7, got v%d", us.Version)
	}

	gb, err := reg.Resolve(context.Background(), "PURCHASE", "GB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gb.Version != 1 {
		t.Errorf("expected global fallback v1, got v%d", gb.Version)
	}
}

func TestRulesetRegistry_ResolveDefaultsToAuthKey(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: domain.DefaultTransactionType, Version: 2})

	got, err := reg.Resolve(context.Background(), "  ", "US")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key != domain.DefaultTransactionType {
		t.Errorf("expected AUTH ruleset, got %s", got.Key)
	}
}

func TestRulesetRegistry_ResolveUnknownIsNotFound(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Version: 1})

	_, err := reg.Resolve(context.Background(), "UNKNOWN_RULESET_TYPE", "US")

	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRulesetRegistry_SwapReturnsPrevious(t *testing.T) {
	reg := NewRulesetRegistry()
	if old := reg.Swap(&domain.Ruleset{Key: "REFUND", Version: 1}); old != nil {
		t.Fatalf("expected no previous ruleset, got %s", old)
	}

	old := reg.Swap(&domain.Ruleset{Key: "REFUND", Version: 2})

	if old == nil || old.Version != 1 {
		t.Fatalf("expected previous v1, got %v", old)
	}
	if got, _ := reg.Get("global", "refund"); got.Version != 2 {
		t.Errorf("expected v2 registered, got v%d", got.Version)
	}
}

func TestRulesetRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Version: 1})
	before := reg.snapshot.Load()

	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Version: 2})

	if before.rulesets[domain.GlobalCountry]["PURCHASE"].Version != 1 {
		t.Errorf("published snapshot was mutated by a later swap")
	}
}

func TestRulesetRegistry_CountriesKeysAndRemove(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.ReplaceAll([]*domain.Ruleset{
		{Key: "PURCHASE", Version: 1},
		{Key: "AUTH", Version: 1},
		{Key: "PURCHASE", Country: "DE", Version: 3},
	})

	if reg.Size() != 3 {
		t.Fatalf("expected 3 rulesets, got %d", reg.Size())
	}
	if got := reg.Countries(); len(got) != 2 || got[0] != "DE" || got[1] != "global" {
		t.Errorf("unexpected countries %v", got)
	}
	if got := reg.Keys("global"); len(got) != 2 || got[0] != "AUTH" || got[1] != "PURCHASE" {
		t.Errorf("unexpected keys %v", got)
	}

	if err := reg.Remove("de", "purchase"); err != nil {
		t.Fatalf("unexpected error on Remove: %v", err)
	}
	if err := reg.Remove("de", "purchase"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second Remove, got %v", err)
	}
	if len(reg.Countries()) != 1 {
		t.Errorf("expected empty country partition to be dropped")
	}
}

func TestRulesetRegistry_ConcurrentResolveAndSwap(t *testing.T) {
	reg := NewRulesetRegistry()
	reg.Swap(&domain.Ruleset{Key: "PURCHASE", Version: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			reg.Swap(&domain.Ruleset{Key: "PURCHASE", Version: v + 2})
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := reg.Resolve(context.Background(), "PURCHASE", ""); err != nil {
					t.Errorf("resolve failed during swap: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestVelocityStore_IncrementWithinWindow(t *testing.T) {
	store := NewVelocityStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		got, err := store.Increment(context.Background(), "card:h1", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != i {
			t.Errorf("expected count %d, got %d", i, got)
		}
	}

	now = now.Add(time.Minute)
	got, _ := store.Increment(context.Background(), "card:h1", time.Minute)
	if got != 1 {
		t.Errorf("expected window reset to 1, got %d", got)
	}
}

func TestVelocityStore_PurgeUsesEachWindow(t *testing.T) {
	store := NewVelocityStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	_, _ = store.Increment(context.Background(), "a", time.Second)
	_, _ = store.Increment(context.Background(), "b", time.Second)
	_, _ = store.Increment(context.Background(), "daily", 24*time.Hour)

	now = now.Add(2 * time.Second)

	if removed := store.Purge(); removed != 2 {
		t.Errorf("expected 2 purged windows, got %d", removed)
	}
	if store.Len() != 1 {
		t.Errorf("expected the daily window to survive, got %d windows", store.Len())
	}
}

func TestVelocityStore_BackgroundPurgeReclaimsExpiredKeys(t *testing.T) {
	store := NewVelocityStore()
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	store.now = func() time.Time { return time.Unix(0, clock.Load()) }

	for i := 0; i < 10000; i++ {
		if _, err := store.Increment(context.Background(), fmt.Sprintf("card:%d", i), time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	clock.Add(int64(time.Hour))

	store.StartPurging(5 * time.Millisecond)
	defer store.Close()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected expired windows to be reclaimed, %d retained", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVelocityStore_CloseWithoutPurging(t *testing.T) {
	store := NewVelocityStore()

	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error on Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error on second Close: %v", err)
	}
}

func TestVelocityStore_CanceledContext(t *testing.T) {
	store := NewVelocityStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Increment(ctx, "a", time.Second); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestOutboxStore_AppendAndLookup(t *testing.T) {
	store := NewOutboxStore()
	d := domain.NewDecision("tx1")
	event := domain.NewOutboxEvent(&domain.Transaction{TransactionID: "tx1"}, d)

	if err := store.Append(context.Background(), event); err != nil {
		t.Fatalf("unexpected error on Append: %v", err)
	}
	if err := store.Append(context.Background(), event); !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	got, err := store.GetByDecisionID(context.Background(), d.DecisionID)
	if err != nil {
		t.Fatalf("unexpected error on GetByDecisionID: %v", err)
	}
	if got.EventID != event.EventID {
		t.Errorf("expected event %s, got %s", event.EventID, got.EventID)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 event, got %d", store.Len())
	}
}
