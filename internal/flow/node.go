package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/iouflow/internal/contract"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/notary"
	"github.com/mmynk/iouflow/internal/storage"
	"github.com/mmynk/iouflow/internal/transport"
)

// Default timeouts, used when Options leaves them zero.
const (
	DefaultSessionTimeout  = 15 * time.Second
	DefaultFinalityTimeout = 30 * time.Second
	DefaultAckTimeout      = 10 * time.Second
	DefaultQueryAttempts   = 5
	DefaultQueryInterval   = time.Second
)

// Options configures a Node.
type Options struct {
	// Notaries are the trusted authorities. New proposals use the first.
	Notaries []models.Party

	// Gate validates transitions on both roles. Defaults to contract.IOUContract.
	Gate contract.Gate

	SessionTimeout  time.Duration
	FinalityTimeout time.Duration
	AckTimeout      time.Duration
	Policy          FinalityPolicy
	// QueryAttempts and QueryInterval bound both the responder's
	// FinalityQuery and the initiator's resubmissions after a notarization
	// fails without a verdict.
	QueryAttempts int
	QueryInterval time.Duration

	Metrics *metrics.Metrics

	// OnOutcome, if set, is called after every responder run.
	OnOutcome func(Outcome)
}

func (o *Options) setDefaults() {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.FinalityTimeout <= 0 {
		o.FinalityTimeout = DefaultFinalityTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.QueryAttempts <= 0 {
		o.QueryAttempts = DefaultQueryAttempts
	}
	if o.QueryInterval <= 0 {
		o.QueryInterval = DefaultQueryInterval
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
	if o.Gate == nil {
		o.Gate = contract.IOUContract{}
	}
}

// Node is one party's endpoint: it starts proposals and answers those of
// its counterparties.
type Node struct {
	self      models.Party
	store     storage.Store
	transport transport.Transport
	notary    models.Party
	initiator *Initiator
	responder *Responder
	onOutcome func(Outcome)
}

// NewNode wires the protocol for the party behind tr.
func NewNode(keys identity.KeyService, store storage.Store, tr transport.Transport, authority notary.Authority, opts Options) (*Node, error) {
	if len(opts.Notaries) == 0 {
		return nil, ErrNoNotary
	}
	opts.setDefaults()
	self := tr.Self()
	gate := opts.Gate

	collector := NewCollector(tr, keys, opts.SessionTimeout, opts.Metrics)
	coordinator := NewCoordinator(authority, store, keys, CoordinatorConfig{
		AckTimeout:      opts.AckTimeout,
		ResolveAttempts: opts.QueryAttempts,
		ResolveInterval: opts.QueryInterval,
	})
	responder := NewResponder(self, keys, gate, store, authority, opts.Notaries, ResponderConfig{
		SessionTimeout:  opts.SessionTimeout,
		FinalityTimeout: opts.FinalityTimeout,
		Policy:          opts.Policy,
		QueryAttempts:   opts.QueryAttempts,
		QueryInterval:   opts.QueryInterval,
	}, opts.Metrics)

	return &Node{
		self:      self,
		store:     store,
		transport: tr,
		notary:    opts.Notaries[0],
		initiator: NewInitiator(self, gate, store, collector, coordinator, opts.Metrics),
		responder: responder,
		onOutcome: opts.OnOutcome,
	}, nil
}

// Party returns the local party.
func (n *Node) Party() models.Party {
	return n.self
}

// Issue creates a new IOU between creditor and debtor, one of which must be
// the local party.
func (n *Node) Issue(ctx context.Context, amount models.Amount, creditor, debtor models.Party) (models.FinalizedArtifact, error) {
	p, err := Propose(models.NewIOU(amount, creditor, debtor), n.notary)
	if err != nil {
		return models.FinalizedArtifact{}, failed(PhaseBuild, err)
	}
	return n.initiator.Run(ctx, p)
}

// Settle records a payment of delta against the IOU linearID.
func (n *Node) Settle(ctx context.Context, linearID string, delta models.Amount) (models.FinalizedArtifact, error) {
	return n.transition(ctx, models.CommandSettle, linearID, func(r models.IOU) (models.IOU, error) {
		return r.Settle(delta)
	})
}

// Transfer moves the IOU linearID to a new creditor.
func (n *Node) Transfer(ctx context.Context, linearID string, newCreditor models.Party) (models.FinalizedArtifact, error) {
	return n.transition(ctx, models.CommandTransfer, linearID, func(r models.IOU) (models.IOU, error) {
		return r.TransferCreditor(newCreditor)
	})
}

func (n *Node) transition(ctx context.Context, kind models.CommandKind, linearID string, next func(models.IOU) (models.IOU, error)) (models.FinalizedArtifact, error) {
	head, err := n.store.Head(ctx, linearID)
	if err != nil {
		return models.FinalizedArtifact{}, failed(PhaseBuild, err)
	}
	prior := head.Record()
	out, err := next(prior)
	if err != nil {
		return models.FinalizedArtifact{}, failed(PhaseBuild, err)
	}
	p, err := ProposeTransition(kind, prior, head.TxID, out, n.notary)
	if err != nil {
		return models.FinalizedArtifact{}, failed(PhaseBuild, err)
	}
	return n.initiator.Run(ctx, p)
}

// Get returns the current version of linearID.
func (n *Node) Get(ctx context.Context, linearID string) (*models.FinalizedArtifact, error) {
	return n.store.Head(ctx, linearID)
}

// List returns the current version of every IOU the local party is part of.
func (n *Node) List(ctx context.Context) ([]*models.FinalizedArtifact, error) {
	return n.store.List(ctx, n.self)
}

// History returns every committed version of linearID, oldest first.
func (n *Node) History(ctx context.Context, linearID string) ([]*models.FinalizedArtifact, error) {
	return n.store.History(ctx, linearID)
}

// Serve answers incoming sessions until ctx is done or the transport closes.
// Each session runs in its own goroutine; Serve waits for them on return.
func (n *Node) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	slog.Info("Responder serving", "party", n.self)
	for {
		s, err := n.transport.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrMuxClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept session: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out := n.responder.Respond(ctx, s)
			if n.onOutcome != nil {
				n.onOutcome(out)
			}
		}()
	}
}
