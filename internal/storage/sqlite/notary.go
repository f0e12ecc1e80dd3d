package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmynk/iouflow/internal/storage"
)

// CurrentHead returns the notary's current head for linearID.
func (s *SQLiteStore) CurrentHead(ctx context.Context, linearID string) (storage.HeadEntry, error) {
	var head storage.HeadEntry
	err := s.db.QueryRowContext(ctx,
		"SELECT tx_id, state_hash FROM notary_heads WHERE linear_id = ?",
		linearID,
	).Scan(&head.TxID, &head.StateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.HeadEntry{}, fmt.Errorf("linear id %s: %w", linearID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.HeadEntry{}, fmt.Errorf("failed to get notary head: %w", err)
	}
	return head, nil
}

// Accept advances the head of n.LinearID from n.PriorTx to n.TxID and records n.
func (s *SQLiteStore) Accept(ctx context.Context, n storage.Notarization) error {
	endorsements, err := json.Marshal(n.Endorsements)
	if err != nil {
		return fmt.Errorf("failed to encode endorsements: %w", err)
	}
	proof, err := json.Marshal(n.Proof)
	if err != nil {
		return fmt.Errorf("failed to encode proof: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT tx_id FROM notary_heads WHERE linear_id = ?", n.LinearID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if n.PriorTx != "" {
			return fmt.Errorf("%w: %s has no head, proposal consumes %s", storage.ErrConflict, n.LinearID, n.PriorTx)
		}
	case err != nil:
		return fmt.Errorf("failed to read notary head: %w", err)
	case current != n.PriorTx:
		return fmt.Errorf("%w: %s is at %s, proposal consumes %q", storage.ErrConflict, n.LinearID, current, n.PriorTx)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notarizations (tx_id, linear_id, prior_tx, state_hash, raw, endorsements, proof, notarized_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TxID, n.LinearID, n.PriorTx, n.StateHash, n.Raw, string(endorsements), string(proof),
		n.Proof.NotarizedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notarization: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notary_heads (linear_id, tx_id, state_hash) VALUES (?, ?, ?)
		 ON CONFLICT(linear_id) DO UPDATE SET tx_id = excluded.tx_id, state_hash = excluded.state_hash`,
		n.LinearID, n.TxID, n.StateHash,
	)
	if err != nil {
		return fmt.Errorf("failed to advance notary head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Notarization retrieves an accepted transaction by id.
func (s *SQLiteStore) Notarization(ctx context.Context, txID string) (*storage.Notarization, error) {
	var (
		n            storage.Notarization
		endorsements string
		proof        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_id, linear_id, prior_tx, state_hash, raw, endorsements, proof
		 FROM notarizations WHERE tx_id = ?`,
		txID,
	).Scan(&n.TxID, &n.LinearID, &n.PriorTx, &n.StateHash, &n.Raw, &endorsements, &proof)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notarization %s: %w", txID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notarization: %w", err)
	}
	if err := json.Unmarshal([]byte(endorsements), &n.Endorsements); err != nil {
		return nil, fmt.Errorf("failed to decode endorsements: %w", err)
	}
	if err := json.Unmarshal([]byte(proof), &n.Proof); err != nil {
		return nil, fmt.Errorf("failed to decode proof: %w", err)
	}
	return &n, nil
}
