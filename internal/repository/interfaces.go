package repository

import (
	"context"
	"errors"
	"fraud_engine/internal/domain"
	"time"
)

// RulesetRepository resolves the ruleset applicable to a transaction type.
// An unknown type yields ErrNotFound.
type RulesetRepository interface {
	Resolve(ctx context.Context, transactionType, countryCode string) (*domain.Ruleset, error)
}

// RulesetStore is the versioned source of ruleset definitions.
type RulesetStore interface {
	Load(ctx context.Context, country, key string, version int) (*domain.Ruleset, error)
	Latest(ctx context.Context, country, key string) (*domain.Ruleset, error)
	List(ctx context.Context) ([]RulesetRef, error)
	Accessible() bool
}

type RulesetRef struct {
	Country string `json:"country"`
	Key     string `json:"key"`
	Version int    `json:"version"`
}

type VelocityStore interface {
	// Increment bumps the counter for key and returns the count inside the current window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

type OutboxStore interface {
	Append(ctx context.Context, event *domain.OutboxEvent) error
	Close() error
}

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("duplicate entry")
	ErrInvalidRuleset = errors.New("invalid ruleset")
	ErrUnavailable    = errors.New("store unavailable")
)
