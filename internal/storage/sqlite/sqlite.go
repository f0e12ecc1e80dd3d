// Package sqlite provides SQLite-backed implementations of storage.Store and
// storage.NotaryStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
)

// Ensure SQLiteStore implements storage.Store and storage.NotaryStore
var (
	_ storage.Store       = (*SQLiteStore)(nil)
	_ storage.NotaryStore = (*SQLiteStore)(nil)
)

// SQLiteStore implements storage.Store and storage.NotaryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*SQLiteStore, error) {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with pure Go driver
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers; head updates rely on it too.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Commit persists a finalized artifact and advances the head if it extends it.
func (s *SQLiteStore) Commit(ctx context.Context, artifact models.FinalizedArtifact) error {
	endorsements, err := json.Marshal(artifact.Endorsements)
	if err != nil {
		return fmt.Errorf("failed to encode endorsements: %w", err)
	}
	proof, err := json.Marshal(artifact.Proof)
	if err != nil {
		return fmt.Errorf("failed to encode proof: %w", err)
	}
	p := artifact.Proposal
	out := p.Output

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO transactions (tx_id, linear_id, prior_tx, kind, raw, endorsements, proof, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.TxID, out.LinearID, p.PriorTx, string(p.Command.Kind), artifact.Raw,
		string(endorsements), string(proof), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		// Already committed.
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO iou_states (tx_id, linear_id, amount, currency, settled, creditor, debtor)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.TxID, out.LinearID, out.Amount.Quantity.String(), out.Amount.Currency,
		out.Settled.Quantity.String(), string(out.Creditor), string(out.Debtor),
	)
	if err != nil {
		return fmt.Errorf("failed to insert iou state: %w", err)
	}

	var head string
	err = tx.QueryRowContext(ctx, "SELECT tx_id FROM heads WHERE linear_id = ?", out.LinearID).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, "INSERT INTO heads (linear_id, tx_id) VALUES (?, ?)", out.LinearID, artifact.TxID)
	case err != nil:
		return fmt.Errorf("failed to read head: %w", err)
	case head == p.PriorTx:
		_, err = tx.ExecContext(ctx, "UPDATE heads SET tx_id = ? WHERE linear_id = ?", artifact.TxID, out.LinearID)
	}
	if err != nil {
		return fmt.Errorf("failed to advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const artifactColumns = "t.tx_id, t.raw, t.endorsements, t.proof"

// Head retrieves the current version of linearID.
func (s *SQLiteStore) Head(ctx context.Context, linearID string) (*models.FinalizedArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM heads h JOIN transactions t ON t.tx_id = h.tx_id WHERE h.linear_id = ?",
		linearID,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iou %s: %w", linearID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}
	return artifact, nil
}

// Artifact retrieves one committed transaction.
func (s *SQLiteStore) Artifact(ctx context.Context, txID string) (*models.FinalizedArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM transactions t WHERE t.tx_id = ?",
		txID,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return artifact, nil
}

// History retrieves every committed version of linearID, oldest first.
func (s *SQLiteStore) History(ctx context.Context, linearID string) ([]*models.FinalizedArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+artifactColumns+" FROM transactions t WHERE t.linear_id = ? ORDER BY t.rowid",
		linearID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return collectArtifacts(rows)
}

// List retrieves the head of every known IOU, optionally limited to one party.
func (s *SQLiteStore) List(ctx context.Context, party models.Party) ([]*models.FinalizedArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM heads h
		 JOIN transactions t ON t.tx_id = h.tx_id
		 JOIN iou_states st ON st.tx_id = h.tx_id
		 WHERE ? = '' OR st.creditor = ? OR st.debtor = ?
		 ORDER BY t.rowid`,
		string(party), string(party), string(party),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list heads: %w", err)
	}
	return collectArtifacts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*models.FinalizedArtifact, error) {
	var (
		artifact     models.FinalizedArtifact
		endorsements string
		proof        string
	)
	if err := row.Scan(&artifact.TxID, &artifact.Raw, &endorsements, &proof); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(endorsements), &artifact.Endorsements); err != nil {
		return nil, fmt.Errorf("failed to decode endorsements: %w", err)
	}
	if err := json.Unmarshal([]byte(proof), &artifact.Proof); err != nil {
		return nil, fmt.Errorf("failed to decode proof: %w", err)
	}
	p, err := canon.DecodeProposal(artifact.Raw)
	if err != nil {
		return nil, err
	}
	artifact.Proposal = p
	return &artifact, nil
}

func collectArtifacts(rows *sql.Rows) ([]*models.FinalizedArtifact, error) {
	defer rows.Close()

	var artifacts []*models.FinalizedArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return artifacts, nil
}
