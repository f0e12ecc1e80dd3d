package notary

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage/leveldb"
)

const notaryParty models.Party = "Notary"

func newKeyring(t *testing.T, parties ...models.Party) *identity.Keyring {
	t.Helper()
	keys := identity.NewKeyring()
	for _, p := range parties {
		if _, err := keys.Generate(p); err != nil {
			t.Fatalf("Generate(%s) failed: %v", p, err)
		}
	}
	return keys
}

func newService(t *testing.T, keys identity.KeyService) *Service {
	t.Helper()
	db, err := leveldb.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(notaryParty, keys, db, nil)
}

// endorse builds and fully signs a proposal moving prior to out.
func endorse(t *testing.T, keys identity.KeyService, prior *models.IOU, priorTx string, out models.IOU, kind models.CommandKind) models.EndorsedProposal {
	t.Helper()
	p := models.Proposal{
		Nonce:   priorTx + "->" + string(out.Creditor) + out.Settled.String(),
		Command: models.Command{Kind: kind, Signers: out.Participants()},
		Prior:   prior,
		PriorTx: priorTx,
		Output:  out,
		Notary:  notaryParty,
	}
	if prior != nil {
		p.Command.Signers = models.Union(prior.Participants(), out.Participants())
	}
	raw, err := canon.EncodeProposal(p)
	if err != nil {
		t.Fatalf("EncodeProposal failed: %v", err)
	}
	endorsed := models.EndorsedProposal{TxID: canon.Hash(raw), Raw: raw, Proposal: p}
	for _, s := range p.Command.Signers {
		sig, err := keys.Sign(s, raw)
		if err != nil {
			t.Fatalf("Sign(%s) failed: %v", s, err)
		}
		endorsed.Endorsements = append(endorsed.Endorsements, models.Endorsement{Signer: s, Signature: sig})
	}
	return endorsed
}

func TestNotarize(t *testing.T) {
	ctx := context.Background()
	keys := newKeyring(t, "A", "B", "C", notaryParty)
	svc := newService(t, keys)

	issued := models.NewIOU(models.MustAmount("100", "USD"), "A", "B")
	issue := endorse(t, keys, nil, "", issued, models.CommandIssue)

	proof, err := svc.Notarize(ctx, issue)
	if err != nil {
		t.Fatalf("Notarize issue failed: %v", err)
	}
	if err := VerifyProof(keys, notaryParty, proof, issue.TxID, issued.LinearID); err != nil {
		t.Errorf("VerifyProof failed: %v", err)
	}

	t.Run("re-submission returns the same proof", func(t *testing.T) {
		again, err := svc.Notarize(ctx, issue)
		if err != nil {
			t.Fatalf("Notarize failed: %v", err)
		}
		if !again.NotarizedAt.Equal(proof.NotarizedAt) || string(again.Signature) != string(proof.Signature) {
			t.Error("re-submission produced a different proof")
		}
	})

	t.Run("Status finds accepted tx", func(t *testing.T) {
		got, err := svc.Status(ctx, issue.TxID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if got.Proof.TxID != issue.TxID {
			t.Errorf("Status tx = %s, want %s", got.Proof.TxID, issue.TxID)
		}
		if !got.Record().Equal(issued) {
			t.Errorf("Status record = %+v, want %+v", got.Record(), issued)
		}
		if len(got.Endorsements) != 2 {
			t.Errorf("Status returned %d endorsements, want 2", len(got.Endorsements))
		}
		if _, err := svc.Status(ctx, "sha256:unknown"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Status error = %v, want ErrNotFound", err)
		}
	})

	settled, err := issued.Settle(models.MustAmount("40", "USD"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	transferred, err := issued.TransferCreditor("C")
	if err != nil {
		t.Fatalf("TransferCreditor failed: %v", err)
	}

	t.Run("concurrent spends of one prior: exactly one wins", func(t *testing.T) {
		candidates := []models.EndorsedProposal{
			endorse(t, keys, &issued, issue.TxID, settled, models.CommandSettle),
			endorse(t, keys, &issued, issue.TxID, transferred, models.CommandTransfer),
		}

		var wg sync.WaitGroup
		errs := make([]error, len(candidates))
		for i, c := range candidates {
			wg.Add(1)
			go func(i int, c models.EndorsedProposal) {
				defer wg.Done()
				_, errs[i] = svc.Notarize(ctx, c)
			}(i, c)
		}
		wg.Wait()

		var won, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if won != 1 || conflicts != 1 {
			t.Errorf("won = %d, conflicts = %d, want 1 and 1", won, conflicts)
		}
	})
}

func TestNotarizeRejects(t *testing.T) {
	ctx := context.Background()
	keys := newKeyring(t, "A", "B", "Mallory", notaryParty)

	issued := models.NewIOU(models.MustAmount("100", "USD"), "A", "B")

	tests := []struct {
		name    string
		mutate  func(e *models.EndorsedProposal)
		wantErr error
	}{
		{
			name:    "missing endorsement",
			mutate:  func(e *models.EndorsedProposal) { e.Endorsements = e.Endorsements[:1] },
			wantErr: ErrInvalidEndorsement,
		},
		{
			name: "forged endorsement",
			mutate: func(e *models.EndorsedProposal) {
				sig, _ := keys.Sign("Mallory", e.Raw)
				e.Endorsements[1].Signature = sig
			},
			wantErr: ErrInvalidEndorsement,
		},
		{
			name: "extra signer",
			mutate: func(e *models.EndorsedProposal) {
				sig, _ := keys.Sign("Mallory", e.Raw)
				e.Endorsements = append(e.Endorsements, models.Endorsement{Signer: "Mallory", Signature: sig})
			},
			wantErr: ErrInvalidEndorsement,
		},
		{
			name:    "tampered bytes",
			mutate:  func(e *models.EndorsedProposal) { e.Raw = append([]byte{}, e.Raw...); e.Raw[len(e.Raw)-1] ^= 1 },
			wantErr: ErrInvalidProposal,
		},
		{
			name:    "tx id mismatch",
			mutate:  func(e *models.EndorsedProposal) { e.TxID = "sha256:other" },
			wantErr: ErrInvalidProposal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, keys)
			e := endorse(t, keys, nil, "", issued, models.CommandIssue)
			tt.mutate(&e)
			_, err := svc.Notarize(ctx, e)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Notarize error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("wrong notary", func(t *testing.T) {
		svc := NewService("OtherNotary", keys, mustDB(t), nil)
		_, err := svc.Notarize(ctx, endorse(t, keys, nil, "", issued, models.CommandIssue))
		if !errors.Is(err, ErrInvalidProposal) {
			t.Errorf("Notarize error = %v, want ErrInvalidProposal", err)
		}
	})

	t.Run("prior not notarized", func(t *testing.T) {
		svc := newService(t, keys)
		settled, _ := issued.Settle(models.MustAmount("1", "USD"))
		_, err := svc.Notarize(ctx, endorse(t, keys, &issued, "sha256:never", settled, models.CommandSettle))
		if !errors.Is(err, ErrConflict) {
			t.Errorf("Notarize error = %v, want ErrConflict", err)
		}
	})

	t.Run("prior differs from notarized state", func(t *testing.T) {
		svc := newService(t, keys)
		issue := endorse(t, keys, nil, "", issued, models.CommandIssue)
		if _, err := svc.Notarize(ctx, issue); err != nil {
			t.Fatalf("Notarize issue failed: %v", err)
		}
		fake := issued
		fake.Amount = models.MustAmount("1000", "USD")
		next, _ := fake.Settle(models.MustAmount("1", "USD"))
		_, err := svc.Notarize(ctx, endorse(t, keys, &fake, issue.TxID, next, models.CommandSettle))
		if !errors.Is(err, ErrInvalidProposal) {
			t.Errorf("Notarize error = %v, want ErrInvalidProposal", err)
		}
	})
}

func mustDB(t *testing.T) *leveldb.Database {
	t.Helper()
	db, err := leveldb.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestVerifyProof(t *testing.T) {
	keys := newKeyring(t, notaryParty, "Other")
	proof := models.Proof{TxID: "sha256:aa", LinearID: "id", Notary: notaryParty}
	data, err := canon.ProofBytes(proof.TxID, proof.LinearID, proof.Notary, proof.NotarizedAt)
	if err != nil {
		t.Fatal(err)
	}
	proof.Signature, _ = keys.Sign(notaryParty, data)

	if err := VerifyProof(keys, notaryParty, proof, "sha256:aa", "id"); err != nil {
		t.Fatalf("VerifyProof failed: %v", err)
	}
	if err := VerifyProof(keys, "Other", proof, "sha256:aa", "id"); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("wrong notary: error = %v", err)
	}
	if err := VerifyProof(keys, notaryParty, proof, "sha256:bb", "id"); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("wrong tx: error = %v", err)
	}
	proof.Signature[0] ^= 1
	if err := VerifyProof(keys, notaryParty, proof, "sha256:aa", "id"); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("bad signature: error = %v", err)
	}
}
