package notary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
)

// Ensure Service implements Authority
var _ Authority = (*Service)(nil)

// Service is the authority backed by a NotaryStore.
type Service struct {
	self    models.Party
	keys    identity.KeyService
	store   storage.NotaryStore
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates an authority signing as self.
func NewService(self models.Party, keys identity.KeyService, store storage.NotaryStore, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		self:    self,
		keys:    keys,
		store:   store,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
}

// Party returns the identity the service signs proofs as.
func (s *Service) Party() models.Party {
	return s.self
}

// lock serialises submissions for one linear id.
func (s *Service) lock(linearID string) func() {
	s.mu.Lock()
	l, ok := s.locks[linearID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[linearID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Notarize implements Authority.
func (s *Service) Notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error) {
	proof, err := s.notarize(ctx, endorsed)
	switch {
	case err == nil:
		s.metrics.Notarizations.WithLabelValues("accepted").Inc()
	case errors.Is(err, ErrConflict):
		s.metrics.Notarizations.WithLabelValues("conflict").Inc()
	default:
		s.metrics.Notarizations.WithLabelValues("rejected").Inc()
	}
	return proof, err
}

func (s *Service) notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error) {
	p, err := canon.DecodeProposal(endorsed.Raw)
	if err != nil {
		return models.Proof{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	txID := canon.Hash(endorsed.Raw)
	if endorsed.TxID != "" && endorsed.TxID != txID {
		return models.Proof{}, fmt.Errorf("%w: tx id %s does not match bytes", ErrInvalidProposal, endorsed.TxID)
	}
	if p.Notary != s.self {
		return models.Proof{}, fmt.Errorf("%w: addressed to notary %s", ErrInvalidProposal, p.Notary)
	}
	if (p.Prior == nil) != (p.PriorTx == "") {
		return models.Proof{}, fmt.Errorf("%w: prior and prior tx must be set together", ErrInvalidProposal)
	}
	if len(p.Command.Signers) == 0 {
		return models.Proof{}, fmt.Errorf("%w: no signers", ErrInvalidProposal)
	}
	if err := VerifyEndorsements(s.keys, endorsed.Raw, p.Command.Signers, endorsed.Endorsements); err != nil {
		return models.Proof{}, err
	}

	linearID := p.LinearID()
	log := slog.With("linear_id", linearID, "tx_id", txID)

	unlock := s.lock(linearID)
	defer unlock()

	// Re-submission of an accepted transaction.
	existing, err := s.store.Notarization(ctx, txID)
	if err == nil {
		log.Debug("Returning existing proof")
		return existing.Proof, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Proof{}, fmt.Errorf("failed to look up notarization: %w", err)
	}

	if p.Prior != nil {
		head, err := s.store.CurrentHead(ctx, linearID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("Rejecting transition of unknown state", "prior_tx", p.PriorTx)
			return models.Proof{}, fmt.Errorf("%w: %s has no notarized state", ErrConflict, linearID)
		}
		if err != nil {
			return models.Proof{}, fmt.Errorf("failed to read head: %w", err)
		}
		if head.TxID != p.PriorTx {
			log.Warn("Rejecting double spend", "prior_tx", p.PriorTx, "head", head.TxID)
			return models.Proof{}, fmt.Errorf("%w: %s was consumed, head is %s", ErrConflict, p.PriorTx, head.TxID)
		}
		priorHash, err := canon.StateHash(*p.Prior)
		if err != nil {
			return models.Proof{}, err
		}
		if priorHash != head.StateHash {
			return models.Proof{}, fmt.Errorf("%w: prior does not match notarized state %s", ErrInvalidProposal, p.PriorTx)
		}
	}

	stateHash, err := canon.StateHash(p.Output)
	if err != nil {
		return models.Proof{}, err
	}

	proof := models.Proof{
		TxID:        txID,
		LinearID:    linearID,
		Notary:      s.self,
		NotarizedAt: s.now(),
	}
	data, err := canon.ProofBytes(proof.TxID, proof.LinearID, proof.Notary, proof.NotarizedAt)
	if err != nil {
		return models.Proof{}, err
	}
	proof.Signature, err = s.keys.Sign(s.self, data)
	if err != nil {
		return models.Proof{}, fmt.Errorf("failed to sign proof: %w", err)
	}

	err = s.store.Accept(ctx, storage.Notarization{
		TxID:         txID,
		LinearID:     linearID,
		PriorTx:      p.PriorTx,
		StateHash:    stateHash,
		Raw:          endorsed.Raw,
		Endorsements: endorsed.Endorsements,
		Proof:        proof,
	})
	if errors.Is(err, storage.ErrConflict) {
		return models.Proof{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return models.Proof{}, fmt.Errorf("failed to accept notarization: %w", err)
	}

	log.Info("Notarized", "kind", p.Command.Kind, "prior_tx", p.PriorTx)
	return proof, nil
}

// Status implements Authority.
func (s *Service) Status(ctx context.Context, txID string) (models.FinalizedArtifact, error) {
	n, err := s.store.Notarization(ctx, txID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.FinalizedArtifact{}, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if err != nil {
		return models.FinalizedArtifact{}, fmt.Errorf("failed to get notarization: %w", err)
	}
	p, err := canon.DecodeProposal(n.Raw)
	if err != nil {
		return models.FinalizedArtifact{}, err
	}
	return models.FinalizedArtifact{
		TxID:         n.TxID,
		Raw:          n.Raw,
		Proposal:     p,
		Endorsements: n.Endorsements,
		Proof:        n.Proof,
	}, nil
}
