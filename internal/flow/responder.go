package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/contract"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/notary"
	"github.com/mmynk/iouflow/internal/storage"
	"github.com/mmynk/iouflow/internal/transport"
)

// ErrAborted is returned to a responder whose initiator abandoned the run.
var ErrAborted = errors.New("run aborted by initiator")

// State is a responder's position in one run.
type State int

const (
	AwaitingProposal State = iota
	Rejected
	Endorsed
	AwaitingFinality
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingProposal:
		return "awaiting_proposal"
	case Rejected:
		return "rejected"
	case Endorsed:
		return "endorsed"
	case AwaitingFinality:
		return "awaiting_finality"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Rejected || s == Committed || s == Aborted
}

// FinalityPolicy decides what an endorsed responder does when the finality
// deadline passes without an artifact or abort.
type FinalityPolicy int

const (
	// FinalityAbort treats the run as aborted.
	FinalityAbort FinalityPolicy = iota
	// FinalityQuery asks the notary whether the transaction was accepted and
	// commits only on a verified answer.
	FinalityQuery
)

// ParseFinalityPolicy maps "abort" and "query" to a policy.
func ParseFinalityPolicy(s string) (FinalityPolicy, error) {
	switch strings.ToLower(s) {
	case "", "abort":
		return FinalityAbort, nil
	case "query":
		return FinalityQuery, nil
	}
	return 0, fmt.Errorf("unknown finality policy %q", s)
}

func (p FinalityPolicy) String() string {
	if p == FinalityQuery {
		return "query"
	}
	return "abort"
}

// ResponderConfig bounds a responder's waits.
type ResponderConfig struct {
	// SessionTimeout bounds the wait for the proposal.
	SessionTimeout time.Duration
	// FinalityTimeout bounds the wait for the artifact after endorsing.
	FinalityTimeout time.Duration
	Policy          FinalityPolicy
	// QueryAttempts and QueryInterval shape FinalityQuery.
	QueryAttempts int
	QueryInterval time.Duration
}

// Outcome is how one responder run ended.
type Outcome struct {
	SessionID string
	Peer      models.Party
	LinearID  string
	TxID      string
	State     State
	Err       error
}

// Responder answers proposals for one local party.
type Responder struct {
	self      models.Party
	keys      identity.KeyService
	gate      contract.Gate
	store     storage.Store
	authority notary.Authority
	notaries  []models.Party
	cfg       ResponderConfig
	metrics   *metrics.Metrics
}

// NewResponder creates a responder. notaries lists the authorities whose
// proofs it accepts; authority is only used by FinalityQuery and may be nil.
func NewResponder(self models.Party, keys identity.KeyService, gate contract.Gate, store storage.Store, authority notary.Authority, notaries []models.Party, cfg ResponderConfig, m *metrics.Metrics) *Responder {
	if m == nil {
		m = metrics.Nop()
	}
	return &Responder{
		self:      self,
		keys:      keys,
		gate:      gate,
		store:     store,
		authority: authority,
		notaries:  notaries,
		cfg:       cfg,
		metrics:   m,
	}
}

// Respond runs the responder side of one session to a terminal state and
// closes the session.
func (r *Responder) Respond(ctx context.Context, s transport.Session) Outcome {
	defer s.Close()

	out := r.respond(ctx, s)
	r.metrics.ResponderOutcomes.WithLabelValues(out.State.String()).Inc()

	log := slog.With("peer", out.Peer, "linear_id", out.LinearID, "tx_id", out.TxID, "state", out.State)
	switch out.State {
	case Committed:
		log.Info("Responder committed")
	default:
		log.Warn("Responder finished without commit", "error", out.Err)
	}
	return out
}

func (r *Responder) respond(ctx context.Context, s transport.Session) Outcome {
	out := Outcome{SessionID: s.ID(), Peer: s.Peer(), State: AwaitingProposal}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	msg, err := receive(pctx, s)
	cancel()
	if err != nil {
		out.State, out.Err = Aborted, timeoutOr(err, s.Peer(), PhaseCollect)
		return out
	}
	if msg.Kind != MsgProposal {
		out.State, out.Err = Aborted, fmt.Errorf("%w: %s before proposal", ErrUnexpectedMessage, msg.Kind)
		return out
	}

	out.TxID = canon.Hash(msg.Raw)
	p, err := r.check(ctx, s.Peer(), msg)
	if p.Output.LinearID != "" {
		out.LinearID = p.LinearID()
	}
	if err != nil {
		out.State, out.Err = Rejected, err
		if serr := send(ctx, s, message{Kind: MsgReject, TxID: out.TxID, Reason: reason(err)}); serr != nil {
			slog.Debug("Failed to deliver rejection", "peer", s.Peer(), "error", serr)
		}
		return out
	}

	sig, err := r.keys.Sign(r.self, msg.Raw)
	if err != nil {
		out.State, out.Err = Aborted, fmt.Errorf("failed to sign proposal: %w", err)
		return out
	}
	out.State = Endorsed
	err = send(ctx, s, message{
		Kind:         MsgEndorsement,
		TxID:         out.TxID,
		Endorsements: []models.Endorsement{{Signer: r.self, Signature: sig}},
	})
	if err != nil {
		out.State, out.Err = Aborted, fmt.Errorf("failed to send endorsement: %w", err)
		return out
	}
	slog.Debug("Endorsed", "peer", s.Peer(), "tx_id", out.TxID)

	out.State, out.Err = r.awaitFinality(ctx, s, p, msg.Raw)
	return out
}

// check is the responder's own validation. A non-nil error rejects.
func (r *Responder) check(ctx context.Context, initiator models.Party, msg message) (models.Proposal, error) {
	p, err := canon.DecodeProposal(msg.Raw)
	if err != nil {
		return models.Proposal{}, models.Invalid("undecodable proposal: %v", err)
	}
	signers := p.Command.Signers
	if !models.Contains(signers, r.self) {
		return p, models.Invalid("%s is not a required signer", r.self)
	}
	if !models.Contains(signers, initiator) {
		return p, models.Invalid("initiator %s is not a required signer", initiator)
	}
	if !models.Contains(r.notaries, p.Notary) {
		return p, models.Invalid("notary %s is not trusted", p.Notary)
	}
	if (p.Prior == nil) != (p.PriorTx == "") {
		return p, models.Invalid("prior and prior transaction must be set together")
	}
	if len(msg.Endorsements) != 1 || msg.Endorsements[0].Signer != initiator ||
		!r.keys.Verify(initiator, msg.Raw, msg.Endorsements[0].Signature) {
		return p, models.Invalid("initiator endorsement from %s does not verify", initiator)
	}

	prior, err := r.priorView(ctx, p)
	if err != nil {
		return p, err
	}
	if err := r.gate.Verify(p.Output, prior, p.Command); err != nil {
		return p, err
	}
	return p, nil
}

// priorView returns the version the proposal must extend, as this party sees it.
func (r *Responder) priorView(ctx context.Context, p models.Proposal) (*models.IOU, error) {
	head, err := r.store.Head(ctx, p.LinearID())
	switch {
	case err == nil:
		if head.TxID != p.PriorTx {
			return nil, models.Invalid("%v: local head is %s, proposal consumes %q", ErrStaleProposal, head.TxID, p.PriorTx)
		}
		rec := head.Record()
		if p.Prior == nil || !p.Prior.Equal(rec) {
			return nil, models.Invalid("proposal prior differs from the local head")
		}
		return &rec, nil
	case errors.Is(err, storage.ErrNotFound):
		// No local history: issuance, or a new creditor joining. The notary
		// checks the prior against its state hash.
		return p.Prior, nil
	default:
		return nil, fmt.Errorf("failed to read local head: %w", err)
	}
}

// awaitFinality runs the AwaitingFinality state to a terminal one.
func (r *Responder) awaitFinality(ctx context.Context, s transport.Session, p models.Proposal, raw []byte) (State, error) {
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FinalityTimeout)
	defer cancel()

	msg, err := receive(fctx, s)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, transport.ErrSessionClosed) {
			return r.onFinalityTimeout(ctx, s.Peer(), p, raw)
		}
		return Aborted, err
	}

	switch msg.Kind {
	case MsgAbort:
		return Aborted, fmt.Errorf("%w: %s", ErrAborted, msg.Reason)
	case MsgArtifact:
		if msg.Proof == nil {
			return Aborted, fmt.Errorf("%w: artifact without proof", ErrUnexpectedMessage)
		}
		artifact := models.FinalizedArtifact{
			TxID:         msg.TxID,
			Raw:          msg.Raw,
			Proposal:     p,
			Endorsements: msg.Endorsements,
			Proof:        *msg.Proof,
		}
		if err := r.commit(ctx, artifact, raw); err != nil {
			return Aborted, err
		}
		if err := send(ctx, s, message{Kind: MsgAck, TxID: artifact.TxID}); err != nil {
			slog.Debug("Failed to acknowledge artifact", "peer", s.Peer(), "error", err)
		}
		return Committed, nil
	default:
		return Aborted, fmt.Errorf("%w: %s while awaiting finality", ErrUnexpectedMessage, msg.Kind)
	}
}

func (r *Responder) onFinalityTimeout(ctx context.Context, peer models.Party, p models.Proposal, raw []byte) (State, error) {
	timeout := &SessionTimeoutError{Peer: peer, Phase: PhaseFinality}
	if r.cfg.Policy != FinalityQuery || r.authority == nil {
		return Aborted, timeout
	}

	txID := canon.Hash(raw)
	for attempt := 0; attempt < r.cfg.QueryAttempts; attempt++ {
		artifact, err := r.authority.Status(ctx, txID)
		if err == nil {
			artifact.Proposal = p
			if err := r.commit(ctx, artifact, raw); err != nil {
				return Aborted, err
			}
			slog.Info("Committed from notary status", "tx_id", txID, "attempt", attempt+1)
			return Committed, nil
		}
		slog.Debug("Notary status query failed", "tx_id", txID, "attempt", attempt+1, "error", err)

		select {
		case <-time.After(r.cfg.QueryInterval):
		case <-ctx.Done():
			return Aborted, timeout
		}
	}
	return Aborted, timeout
}

// commit verifies that artifact finalizes exactly the bytes this party
// endorsed and stores it.
func (r *Responder) commit(ctx context.Context, artifact models.FinalizedArtifact, raw []byte) error {
	if !bytes.Equal(artifact.Raw, raw) {
		return errors.New("artifact does not match the endorsed proposal")
	}
	txID := canon.Hash(raw)
	if artifact.TxID != txID {
		return fmt.Errorf("artifact tx id %s does not match %s", artifact.TxID, txID)
	}
	p := artifact.Proposal
	if err := notary.VerifyEndorsements(r.keys, raw, p.Command.Signers, artifact.Endorsements); err != nil {
		return err
	}
	if err := notary.VerifyProof(r.keys, p.Notary, artifact.Proof, txID, p.LinearID()); err != nil {
		return err
	}
	if err := r.store.Commit(ctx, artifact); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// reason is the text sent to the initiator with a rejection.
func reason(err error) string {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}
