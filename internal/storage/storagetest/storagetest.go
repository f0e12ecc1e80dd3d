// Package storagetest holds fixtures and shared checks for storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
)

// Artifact builds a finalized artifact moving prior (nil for issuance) to out.
// Signatures are placeholders; stores do not verify them.
func Artifact(t *testing.T, prior *models.FinalizedArtifact, out models.IOU, kind models.CommandKind) models.FinalizedArtifact {
	t.Helper()

	p := models.Proposal{
		Nonce:   time.Now().Format(time.RFC3339Nano) + out.LinearID,
		Command: models.Command{Kind: kind, Signers: out.Participants()},
		Output:  out,
		Notary:  "notary",
	}
	if prior != nil {
		rec := prior.Record()
		p.Prior = &rec
		p.PriorTx = prior.TxID
	}
	raw, err := canon.EncodeProposal(p)
	if err != nil {
		t.Fatalf("EncodeProposal failed: %v", err)
	}
	txID := canon.Hash(raw)

	var endorsements []models.Endorsement
	for _, s := range p.Command.Signers {
		endorsements = append(endorsements, models.Endorsement{Signer: s, Signature: []byte("sig-" + s)})
	}
	return models.FinalizedArtifact{
		TxID:         txID,
		Raw:          raw,
		Proposal:     p,
		Endorsements: endorsements,
		Proof: models.Proof{
			TxID:        txID,
			LinearID:    out.LinearID,
			Notary:      "notary",
			NotarizedAt: time.Unix(1700000000, 0).UTC(),
			Signature:   []byte("notary-sig"),
		},
	}
}

// Notarization converts an artifact into what a notary would accept for it.
func Notarization(t *testing.T, a models.FinalizedArtifact) storage.Notarization {
	t.Helper()

	hash, err := canon.StateHash(a.Record())
	if err != nil {
		t.Fatalf("StateHash failed: %v", err)
	}
	return storage.Notarization{
		TxID:         a.TxID,
		LinearID:     a.Record().LinearID,
		PriorTx:      a.Proposal.PriorTx,
		StateHash:    hash,
		Raw:          a.Raw,
		Endorsements: a.Endorsements,
		Proof:        a.Proof,
	}
}

// TestNotaryStore runs the behaviour every NotaryStore must share.
func TestNotaryStore(t *testing.T, s storage.NotaryStore) {
	ctx := context.Background()

	issued := models.NewIOU(models.MustAmount("100", "USD"), "A", "B")
	issue := Artifact(t, nil, issued, models.CommandIssue)
	settledIOU, err := issued.Settle(models.MustAmount("40", "USD"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	settle := Artifact(t, &issue, settledIOU, models.CommandSettle)

	t.Run("CurrentHead of unknown id is ErrNotFound", func(t *testing.T) {
		_, err := s.CurrentHead(ctx, issued.LinearID)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("CurrentHead error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Accept without head requires empty prior", func(t *testing.T) {
		err := s.Accept(ctx, Notarization(t, settle))
		if !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Accept error = %v, want ErrConflict", err)
		}
	})

	t.Run("Accept issuance sets head", func(t *testing.T) {
		n := Notarization(t, issue)
		if err := s.Accept(ctx, n); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		head, err := s.CurrentHead(ctx, issued.LinearID)
		if err != nil {
			t.Fatalf("CurrentHead failed: %v", err)
		}
		if head.TxID != issue.TxID || head.StateHash != n.StateHash {
			t.Errorf("head = %+v, want tx %s hash %s", head, issue.TxID, n.StateHash)
		}
	})

	t.Run("Accept advances from the current head only", func(t *testing.T) {
		if err := s.Accept(ctx, Notarization(t, settle)); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}

		// A competing transition off the original issuance lost the race.
		competing, err := issued.TransferCreditor("C")
		if err != nil {
			t.Fatalf("TransferCreditor failed: %v", err)
		}
		stale := Artifact(t, &issue, competing, models.CommandTransfer)
		err = s.Accept(ctx, Notarization(t, stale))
		if !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Accept error = %v, want ErrConflict", err)
		}

		head, err := s.CurrentHead(ctx, issued.LinearID)
		if err != nil {
			t.Fatalf("CurrentHead failed: %v", err)
		}
		if head.TxID != settle.TxID {
			t.Errorf("head = %s, want %s", head.TxID, settle.TxID)
		}
	})

	t.Run("Notarization returns the accepted record", func(t *testing.T) {
		n, err := s.Notarization(ctx, settle.TxID)
		if err != nil {
			t.Fatalf("Notarization failed: %v", err)
		}
		if n.PriorTx != issue.TxID {
			t.Errorf("PriorTx = %s, want %s", n.PriorTx, issue.TxID)
		}
		if string(n.Raw) != string(settle.Raw) {
			t.Error("Raw bytes changed on the round trip")
		}
		if len(n.Endorsements) != 2 {
			t.Errorf("got %d endorsements, want 2", len(n.Endorsements))
		}
		if !n.Proof.NotarizedAt.Equal(settle.Proof.NotarizedAt) {
			t.Errorf("NotarizedAt = %v, want %v", n.Proof.NotarizedAt, settle.Proof.NotarizedAt)
		}

		_, err = s.Notarization(ctx, "sha256:missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Notarization error = %v, want ErrNotFound", err)
		}
	})
}
