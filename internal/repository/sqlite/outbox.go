package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// OutboxStore keeps evaluation events in a local SQLite file.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(dbPath string) (*OutboxStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL journal: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &OutboxStore{db: db}, nil
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

	query := `
		INSERT INTO outbox_events (
			event_id, decision_id, transaction_id, decision, engine_mode,
			ruleset_key, ruleset_version, risk_score,
			transaction_json, decision_json, signature, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.EventID,
		event.Decision.DecisionID,
		event.Transaction.TransactionID,
		string(event.Decision.Decision),
		string(event.Decision.EngineMode),
		event.Decision.RulesetKey,
		event.Decision.RulesetVersion,
		event.Decision.RiskScore,
		string(txJSON),
		string(decisionJSON),
		event.Signature,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: outbox event %s", repository.ErrDuplicate, event.EventID)
		}
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	return nil
}

func (s *OutboxStore) GetByDecisionID(ctx context.Context, decisionID string) (*domain.OutboxEvent, error) {
	var (
		event        domain.OutboxEvent
		txJSON       string
		decisionJSON string
		signature    sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, transaction_json, decision_json, signature, created_at
		FROM outbox_events WHERE decision_id = ?`, decisionID).
		Scan(&event.EventID, &txJSON, &decisionJSON, &signature, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s", repository.ErrNotFound, decisionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox event: %w", err)
	}

	if err := json.Unmarshal([]byte(txJSON), &event.Transaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	if err := json.Unmarshal([]byte(decisionJSON), &event.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	event.Signature = signature.String

	return &event, nil
}

func (s *OutboxStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes events created before cutoff and returns how many were removed.
func (s *OutboxStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM outbox_events WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox events: %w", err)
	}
	return result.RowsAffected()
}

func (s *OutboxStore) Close() error {
	return s.db.Close()
}
