// Package notary implements the notarization authority: the single trusted
// service that orders transitions per linear id and signs proofs of
// acceptance. It is non-validating: it checks endorsements and uniqueness,
// not the contract rules, which every participant already enforced.
package notary

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
)

var (
	// ErrConflict is returned when the consumed prior is no longer current.
	ErrConflict = errors.New("prior state already consumed")

	// ErrInvalidEndorsement is returned when a required signature is missing or does not verify.
	ErrInvalidEndorsement = errors.New("invalid endorsement")

	// ErrInvalidProposal is returned when the submitted bytes are not a proposal for this notary.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrNotFound is returned by Status for transactions the authority never accepted.
	ErrNotFound = errors.New("transaction not notarized")

	// ErrInvalidProof is returned by VerifyProof.
	ErrInvalidProof = errors.New("invalid notarization proof")
)

// Authority orders transitions. Service is the local implementation and
// Client reaches a remote one.
type Authority interface {
	// Notarize accepts a fully endorsed proposal and returns a signed proof.
	// Re-submitting an accepted transaction returns the original proof.
	Notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error)

	// Status returns an accepted transaction with its endorsements and proof,
	// or ErrNotFound.
	Status(ctx context.Context, txID string) (models.FinalizedArtifact, error)
}

// VerifyProof checks that proof was signed by notary for txID on linearID.
func VerifyProof(keys identity.KeyService, notary models.Party, proof models.Proof, txID, linearID string) error {
	if proof.Notary != notary {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidProof, proof.Notary, notary)
	}
	if proof.TxID != txID || proof.LinearID != linearID {
		return fmt.Errorf("%w: proof is for %s on %s", ErrInvalidProof, proof.TxID, proof.LinearID)
	}
	data, err := canon.ProofBytes(proof.TxID, proof.LinearID, proof.Notary, proof.NotarizedAt)
	if err != nil {
		return err
	}
	if !keys.Verify(notary, data, proof.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidProof)
	}
	return nil
}

// VerifyEndorsements checks that endorsements hold exactly one valid signature
// over raw from every signer, and nothing else.
func VerifyEndorsements(keys identity.KeyService, raw []byte, signers []models.Party, endorsements []models.Endorsement) error {
	seen := make(map[models.Party]bool, len(endorsements))
	for _, e := range endorsements {
		if !models.Contains(signers, e.Signer) {
			return fmt.Errorf("%w: %s is not a required signer", ErrInvalidEndorsement, e.Signer)
		}
		if seen[e.Signer] {
			return fmt.Errorf("%w: duplicate endorsement from %s", ErrInvalidEndorsement, e.Signer)
		}
		if !keys.Verify(e.Signer, raw, e.Signature) {
			return fmt.Errorf("%w: signature from %s does not verify", ErrInvalidEndorsement, e.Signer)
		}
		seen[e.Signer] = true
	}
	for _, s := range signers {
		if !seen[s] {
			return fmt.Errorf("%w: missing endorsement from %s", ErrInvalidEndorsement, s)
		}
	}
	return nil
}
