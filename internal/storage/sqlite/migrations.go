package sqlite

import "database/sql"

// migrations contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// IMPORTANT: transactions must be created BEFORE iou_states and heads due to foreign key constraints.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    tx_id TEXT PRIMARY KEY,
    linear_id TEXT NOT NULL,
    prior_tx TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    raw BLOB NOT NULL,
    endorsements TEXT NOT NULL,
    proof TEXT NOT NULL,
    committed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS iou_states (
    tx_id TEXT PRIMARY KEY,
    linear_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    settled TEXT NOT NULL,
    creditor TEXT NOT NULL,
    debtor TEXT NOT NULL,
    FOREIGN KEY (tx_id) REFERENCES transactions(tx_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS heads (
    linear_id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    FOREIGN KEY (tx_id) REFERENCES transactions(tx_id)
);

CREATE TABLE IF NOT EXISTS notarizations (
    tx_id TEXT PRIMARY KEY,
    linear_id TEXT NOT NULL,
    prior_tx TEXT NOT NULL DEFAULT '',
    state_hash TEXT NOT NULL,
    raw BLOB NOT NULL,
    endorsements TEXT NOT NULL,
    proof TEXT NOT NULL,
    notarized_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notary_heads (
    linear_id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    state_hash TEXT NOT NULL,
    FOREIGN KEY (tx_id) REFERENCES notarizations(tx_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_linear_id ON transactions(linear_id);
CREATE INDEX IF NOT EXISTS idx_iou_states_linear_id ON iou_states(linear_id);
CREATE INDEX IF NOT EXISTS idx_iou_states_creditor ON iou_states(creditor);
CREATE INDEX IF NOT EXISTS idx_iou_states_debtor ON iou_states(debtor);
CREATE INDEX IF NOT EXISTS idx_notarizations_linear_id ON notarizations(linear_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
