package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL UNIQUE,
	transaction_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	engine_mode TEXT NOT NULL,
	ruleset_key TEXT,
	ruleset_version INTEGER,
	risk_score INTEGER NOT NULL DEFAULT 0,
	transaction_json JSONB NOT NULL,
	decision_json JSONB NOT NULL,
	signature TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_transaction ON outbox_events(transaction_id);
`

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxStore writes evaluation events to a Postgres table.
type OutboxStore struct {
	db    pgExecer
	close func()
}

// Open connects a pool to dsn and makes sure the outbox table exists.
func Open(ctx context.Context, dsn string) (*OutboxStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}

	store := &OutboxStore{db: pool, close: pool.Close}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func NewOutboxStore(db pgExecer) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *OutboxStore) Append(ctx context.Context, event *domain.OutboxEvent) error {
	if event == nil || event.Decision == nil || event.Transaction == nil {
		return errors.New("outbox event is incomplete")
	}

	txJSON, err := json.Marshal(event.Transaction)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	decisionJSON, err := json.Marshal(event.Decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO outbox_events (
			event_id, decision_id, transaction_id, decision, engine_mode,
			ruleset_key, ruleset_version, risk_score,
			transaction_json, decision_json, signature, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.EventID,
		event.Decision.DecisionID,
		event.Transaction.TransactionID,
		string(event.Decision.Decision),
		string(event.Decision.EngineMode),
		event.Decision.RulesetKey,
		event.Decision.RulesetVersion,
		event.Decision.RiskScore,
		txJSON,
		decisionJSON,
		event.Signature,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: outbox event %s", repository.ErrDuplicate, event.EventID)
		}
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	return nil
}

func (s *OutboxStore) GetByDecisionID(ctx context.Context, decisionID string) (*domain.OutboxEvent, error) {
	var (
		event        domain.OutboxEvent
		txJSON       []byte
		decisionJSON []byte
		signature    *string
	)

	err := s.db.QueryRow(ctx, `
		SELECT event_id, transaction_json, decision_json, signature, created_at
		FROM outbox_events WHERE decision_id = $1`, decisionID).
		Scan(&event.EventID, &txJSON, &decisionJSON, &signature, &event.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s", repository.ErrNotFound, decisionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox event: %w", err)
	}

	if err := json.Unmarshal(txJSON, &event.Transaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	if err := json.Unmarshal(decisionJSON, &event.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	if signature != nil {
		event.Signature = *signature
	}

	return &event, nil
}

func (s *OutboxStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
