// Package storage provides abstractions for persistent ledger storage.
package storage

import (
	"context"
	"errors"

	"github.com/mmynk/iouflow/internal/models"
)

var (
	// ErrNotFound is returned when a transaction or linear id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a head index no longer points at the expected prior.
	ErrConflict = errors.New("head has moved")
)

// Store is a participant's record vault: the committed, notarized versions of
// every IOU the participant took part in.
// This abstraction allows swapping storage backends without changing the
// protocol layer.
type Store interface {
	// Commit durably applies a finalized artifact. Committing an artifact whose
	// TxID is already stored is a no-op, not an error. The head for the linear
	// id advances only when the artifact's PriorTx is the current head (or
	// there is no head yet).
	Commit(ctx context.Context, artifact models.FinalizedArtifact) error

	// Head returns the latest committed version of linearID.
	// Returns ErrNotFound if the participant has never seen it.
	Head(ctx context.Context, linearID string) (*models.FinalizedArtifact, error)

	// Artifact retrieves one committed transaction by id.
	Artifact(ctx context.Context, txID string) (*models.FinalizedArtifact, error)

	// History returns every committed version of linearID, oldest first.
	History(ctx context.Context, linearID string) ([]*models.FinalizedArtifact, error)

	// List returns the head of every known IOU. A non-empty party limits the
	// result to IOUs where it is the current creditor or debtor.
	List(ctx context.Context, party models.Party) ([]*models.FinalizedArtifact, error)

	// Close releases any resources held by the store.
	Close() error
}

// HeadEntry is the notary's view of the current version of one linear id.
type HeadEntry struct {
	TxID      string
	StateHash string
}

// Notarization is what the notary persists for each accepted transaction.
type Notarization struct {
	TxID         string
	LinearID     string
	PriorTx      string
	StateHash    string
	Raw          []byte
	Endorsements []models.Endorsement
	Proof        models.Proof
}

// NotaryStore is the notary's uniqueness index: one head per linear id, plus
// the record of every accepted transaction.
type NotaryStore interface {
	// CurrentHead returns the current head of linearID, or ErrNotFound.
	CurrentHead(ctx context.Context, linearID string) (HeadEntry, error)

	// Accept atomically checks that the head of n.LinearID is n.PriorTx (no head
	// when PriorTx is empty), advances it to n.TxID and saves n.
	// Returns ErrConflict when the head is elsewhere.
	Accept(ctx context.Context, n Notarization) error

	// Notarization returns the accepted transaction txID, or ErrNotFound.
	Notarization(ctx context.Context, txID string) (*Notarization, error)

	// Close releases any resources held by the store.
	Close() error
}
