package sqlite

// Schema defines the outbox tables.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	engine_mode TEXT NOT NULL,
	ruleset_key TEXT,
	ruleset_version INTEGER,
	risk_score INTEGER NOT NULL DEFAULT 0,
	transaction_json TEXT NOT NULL,
	decision_json TEXT NOT NULL,
	signature TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_decision ON outbox_events(decision_id);
CREATE INDEX IF NOT EXISTS idx_outbox_transaction ON outbox_events(transaction_id);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox_events(created_at);
`
