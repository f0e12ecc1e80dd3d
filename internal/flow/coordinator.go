package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/notary"
	"github.com/mmynk/iouflow/internal/storage"
)

// CoordinatorConfig bounds a coordinator's waits.
type CoordinatorConfig struct {
	// AckTimeout bounds the wait for each responder's acknowledgement once
	// the artifact is pushed.
	AckTimeout time.Duration
	// ResolveAttempts and ResolveInterval shape the resubmissions made when
	// a notarization fails without a verdict.
	ResolveAttempts int
	ResolveInterval time.Duration
}

// Coordinator takes a fully endorsed proposal through notarization and commit.
type Coordinator struct {
	authority notary.Authority
	store     storage.Store
	keys      identity.KeyService
	cfg       CoordinatorConfig
}

// NewCoordinator creates a coordinator.
func NewCoordinator(authority notary.Authority, store storage.Store, keys identity.KeyService, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{authority: authority, store: store, keys: keys, cfg: cfg}
}

// Finalize notarizes endorsed, commits it locally and distributes it to the
// responders. If the notary refuses, every session receives an abort and
// nothing is committed. If the outcome stays unknown, sessions are closed
// without an abort and the error wraps ErrOutcomeUnknown.
func (c *Coordinator) Finalize(ctx context.Context, endorsed models.EndorsedProposal, sessions []*PeerSession) (models.FinalizedArtifact, error) {
	p := endorsed.Proposal
	log := slog.With("linear_id", p.LinearID(), "tx_id", endorsed.TxID)

	proof, err := c.notarize(ctx, endorsed)
	switch {
	case err == nil:
	case rejected(err):
		if errors.Is(err, notary.ErrConflict) {
			err = &NotarizationConflictError{LinearID: p.LinearID(), TxID: endorsed.TxID, Err: err}
		}
		log.Warn("Notarization refused, aborting", "error", err)
		if aerr := abortAll(sessions, "notarization refused: "+err.Error()); aerr != nil {
			log.Warn("Abort broadcast incomplete", "error", aerr)
		}
		return models.FinalizedArtifact{}, failed(PhaseNotarize, err)
	default:
		// The notary may have accepted. Closing without an abort leaves each
		// responder to its finality policy.
		log.Error("Notarization outcome unknown", "error", err)
		closeAll(sessions)
		return models.FinalizedArtifact{}, failed(PhaseNotarize, err)
	}

	artifact := models.FinalizedArtifact{
		TxID:         endorsed.TxID,
		Raw:          endorsed.Raw,
		Proposal:     p,
		Endorsements: endorsed.Endorsements,
		Proof:        proof,
	}

	// The notary has accepted, so responders are told even if the local
	// commit fails; they can commit and the initiator can recover via Status.
	commitErr := c.store.Commit(ctx, artifact)
	if commitErr != nil {
		log.Error("Local commit failed after notarization", "error", commitErr)
	}

	c.distribute(artifact, sessions)

	if commitErr != nil {
		return artifact, failed(PhaseCommit, commitErr)
	}
	log.Info("Finalized", "kind", p.Command.Kind)
	return artifact, nil
}

// notarize submits endorsed and, when the answer is lost or unusable,
// resubmits it. The notary answers a resubmission of an accepted transaction
// with its existing proof, so a retry never spends the prior twice.
func (c *Coordinator) notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error) {
	p := endorsed.Proposal
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.ResolveInterval):
			case <-ctx.Done():
				return models.Proof{}, fmt.Errorf("%w: %v (last error: %v)", ErrOutcomeUnknown, ctx.Err(), lastErr)
			}
			slog.Debug("Resubmitting to notary", "tx_id", endorsed.TxID, "attempt", attempt, "error", lastErr)
		}

		proof, err := c.authority.Notarize(ctx, endorsed)
		if err == nil {
			err = notary.VerifyProof(c.keys, p.Notary, proof, endorsed.TxID, p.LinearID())
		}
		if err == nil {
			return proof, nil
		}
		if rejected(err) {
			return models.Proof{}, err
		}
		lastErr = err
	}
	return models.Proof{}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, lastErr)
}

// rejected reports whether err is the notary's definite refusal, after which
// the transaction can never be accepted.
func rejected(err error) bool {
	return errors.Is(err, notary.ErrConflict) ||
		errors.Is(err, notary.ErrInvalidEndorsement) ||
		errors.Is(err, notary.ErrInvalidProposal)
}

// closeAll closes every session without a message.
func closeAll(sessions []*PeerSession) {
	for _, ps := range sessions {
		if err := ps.Session.Close(); err != nil {
			slog.Debug("Failed to close session", "peer", ps.Peer, "error", err)
		}
	}
}

// distribute pushes the artifact to every session and waits, bounded, for the
// acknowledgements. Missing acks are logged; the transaction is final either way.
func (c *Coordinator) distribute(artifact models.FinalizedArtifact, sessions []*PeerSession) {
	var wg sync.WaitGroup
	for _, ps := range sessions {
		wg.Add(1)
		go func(ps *PeerSession) {
			defer wg.Done()
			defer ps.Session.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
			defer cancel()
			if err := c.push(ctx, artifact, ps); err != nil {
				slog.Warn("Responder did not acknowledge", "peer", ps.Peer, "tx_id", artifact.TxID, "error", err)
			}
		}(ps)
	}
	wg.Wait()
}

func (c *Coordinator) push(ctx context.Context, artifact models.FinalizedArtifact, ps *PeerSession) error {
	if err := send(ctx, ps.Session, artifactMessage(artifact)); err != nil {
		return err
	}
	reply, err := receive(ctx, ps.Session)
	if err != nil {
		return timeoutOr(err, ps.Peer, PhaseCommit)
	}
	if reply.Kind != MsgAck || reply.TxID != artifact.TxID {
		return fmt.Errorf("%w: %s instead of ack", ErrUnexpectedMessage, reply.Kind)
	}
	return nil
}
