package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/iouflow/internal/contract"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
)

// Initiator runs one proposal from validation to commit.
type Initiator struct {
	self        models.Party
	gate        contract.Gate
	store       storage.Store
	collector   *Collector
	coordinator *Coordinator
	metrics     *metrics.Metrics
}

// NewInitiator wires an initiator for self.
func NewInitiator(self models.Party, gate contract.Gate, store storage.Store, collector *Collector, coordinator *Coordinator, m *metrics.Metrics) *Initiator {
	if m == nil {
		m = metrics.Nop()
	}
	return &Initiator{
		self:        self,
		gate:        gate,
		store:       store,
		collector:   collector,
		coordinator: coordinator,
		metrics:     m,
	}
}

// Run validates p, collects endorsements, notarizes and commits. The error,
// if any, is a *PhaseError naming the failed step.
func (i *Initiator) Run(ctx context.Context, p models.Proposal) (models.FinalizedArtifact, error) {
	start := time.Now()
	kind := string(p.Command.Kind)
	i.metrics.FlowsStarted.WithLabelValues(kind).Inc()

	artifact, err := i.run(ctx, p)
	if err != nil {
		phase := "unknown"
		var pe *PhaseError
		if errors.As(err, &pe) {
			phase = string(pe.Phase)
		}
		i.metrics.FlowsFailed.WithLabelValues(kind, phase).Inc()
		slog.Warn("Proposal failed", "linear_id", p.LinearID(), "kind", kind, "phase", phase, "error", err)
		return artifact, err
	}

	i.metrics.FlowsFinalized.WithLabelValues(kind).Inc()
	metrics.ObserveSince(i.metrics.FinalizeDuration, start)
	return artifact, nil
}

func (i *Initiator) run(ctx context.Context, p models.Proposal) (models.FinalizedArtifact, error) {
	if err := i.validate(ctx, p); err != nil {
		return models.FinalizedArtifact{}, failed(PhaseValidate, err)
	}

	endorsed, sessions, err := i.collector.Collect(ctx, p, i.self)
	if err != nil {
		return models.FinalizedArtifact{}, failed(PhaseCollect, err)
	}

	return i.coordinator.Finalize(ctx, endorsed, sessions)
}

// validate is the initiator's own check, run before anyone signs.
func (i *Initiator) validate(ctx context.Context, p models.Proposal) error {
	if !models.Contains(p.Command.Signers, i.self) {
		return fmt.Errorf("%w: %s", ErrNotSigner, i.self)
	}

	head, err := i.store.Head(ctx, p.LinearID())
	switch {
	case err == nil:
		if p.PriorTx != head.TxID {
			return models.Invalid("%v: local head is %s, proposal consumes %q", ErrStaleProposal, head.TxID, p.PriorTx)
		}
		if p.Prior == nil || !p.Prior.Equal(head.Record()) {
			return models.Invalid("proposal prior differs from the local head")
		}
	case errors.Is(err, storage.ErrNotFound):
		if p.Prior != nil {
			return models.Invalid("%v: %s is unknown locally", ErrStaleProposal, p.LinearID())
		}
	default:
		return fmt.Errorf("failed to read local head: %w", err)
	}

	return i.gate.Verify(p.Output, p.Prior, p.Command)
}
