package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/transport"
)

// PeerSession is an open session with a counterparty that has endorsed.
type PeerSession struct {
	Peer    models.Party
	Session transport.Session
}

// Collector gathers the endorsement of every required signer.
type Collector struct {
	transport transport.Transport
	keys      identity.KeyService
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewCollector creates a collector. timeout bounds each counterparty's answer.
func NewCollector(tr transport.Transport, keys identity.KeyService, timeout time.Duration, m *metrics.Metrics) *Collector {
	if m == nil {
		m = metrics.Nop()
	}
	return &Collector{transport: tr, keys: keys, timeout: timeout, metrics: m}
}

type peerResult struct {
	session     transport.Session
	endorsement models.Endorsement
	err         error
}

// Collect signs p as initiator and asks every other signer to endorse it.
// It waits for all of them; there is no quorum. If any peer fails, every
// open session receives an abort and no endorsement set is returned.
func (c *Collector) Collect(ctx context.Context, p models.Proposal, initiator models.Party) (models.EndorsedProposal, []*PeerSession, error) {
	if !models.Contains(p.Command.Signers, initiator) {
		return models.EndorsedProposal{}, nil, fmt.Errorf("%w: %s", ErrNotSigner, initiator)
	}

	raw, err := canon.EncodeProposal(p)
	if err != nil {
		return models.EndorsedProposal{}, nil, err
	}
	txID := canon.Hash(raw)
	sig, err := c.keys.Sign(initiator, raw)
	if err != nil {
		return models.EndorsedProposal{}, nil, fmt.Errorf("failed to sign proposal: %w", err)
	}
	own := models.Endorsement{Signer: initiator, Signature: sig}

	peers := models.Without(p.Command.Signers, initiator)
	log := slog.With("linear_id", p.LinearID(), "tx_id", txID)
	log.Debug("Collecting endorsements", "peers", peers)

	results := make([]peerResult, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer models.Party) {
			defer wg.Done()
			results[i] = c.request(ctx, peer, raw, own)
		}(i, peer)
	}
	wg.Wait()

	var errs error
	for i, r := range results {
		if r.err != nil {
			log.Warn("Endorsement failed", "peer", peers[i], "error", r.err)
			errs = multierr.Append(errs, r.err)
		}
	}
	if errs != nil {
		var open []*PeerSession
		for i, r := range results {
			if r.session != nil {
				open = append(open, &PeerSession{Peer: peers[i], Session: r.session})
			}
		}
		if err := abortAll(open, "endorsement collection failed: "+errs.Error()); err != nil {
			log.Warn("Abort broadcast incomplete", "error", err)
		}
		return models.EndorsedProposal{}, nil, errs
	}

	endorsed := models.EndorsedProposal{TxID: txID, Raw: raw, Proposal: p}
	sessions := make([]*PeerSession, 0, len(peers))
	for _, signer := range p.Command.Signers {
		if signer == initiator {
			endorsed.Endorsements = append(endorsed.Endorsements, own)
			continue
		}
		for i, peer := range peers {
			if peer == signer {
				endorsed.Endorsements = append(endorsed.Endorsements, results[i].endorsement)
				sessions = append(sessions, &PeerSession{Peer: peer, Session: results[i].session})
			}
		}
	}
	log.Info("Endorsements collected", "count", len(endorsed.Endorsements))
	return endorsed, sessions, nil
}

// request runs one counterparty exchange. The session is returned even on
// failure so it can be aborted.
func (c *Collector) request(ctx context.Context, peer models.Party, raw []byte, own models.Endorsement) peerResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.transport.Open(ctx, peer)
	if err != nil {
		return peerResult{err: timeoutOr(fmt.Errorf("failed to reach %s: %w", peer, err), peer, PhaseCollect)}
	}
	res := peerResult{session: s}

	err = send(ctx, s, message{Kind: MsgProposal, Raw: raw, Endorsements: []models.Endorsement{own}})
	if err != nil {
		res.err = timeoutOr(fmt.Errorf("failed to send proposal to %s: %w", peer, err), peer, PhaseCollect)
		return res
	}

	reply, err := receive(ctx, s)
	if errors.Is(err, transport.ErrSessionClosed) {
		s.Close()
		return peerResult{err: &RejectionError{Peer: peer, Reason: "session closed without an answer"}}
	}
	if err != nil {
		res.err = timeoutOr(err, peer, PhaseCollect)
		return res
	}

	switch reply.Kind {
	case MsgReject:
		// The responder has already closed its end.
		s.Close()
		return peerResult{err: &RejectionError{Peer: peer, Reason: reply.Reason}}
	case MsgEndorsement:
		if len(reply.Endorsements) != 1 {
			res.err = fmt.Errorf("%w: %s sent %d endorsements", ErrUnexpectedMessage, peer, len(reply.Endorsements))
			break
		}
		e := reply.Endorsements[0]
		if e.Signer != peer || !c.keys.Verify(peer, raw, e.Signature) {
			res.err = &RejectionError{Peer: peer, Reason: "endorsement does not verify"}
			break
		}
		c.metrics.Endorsements.Inc()
		res.endorsement = e
	default:
		res.err = fmt.Errorf("%w: %s from %s", ErrUnexpectedMessage, reply.Kind, peer)
	}
	return res
}

// abortAll tells every session the run is over and closes it.
func abortAll(sessions []*PeerSession, reason string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, ps := range sessions {
		wg.Add(1)
		go func(i int, ps *PeerSession) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
			defer cancel()
			if err := send(ctx, ps.Session, message{Kind: MsgAbort, Reason: reason}); err != nil {
				errs[i] = fmt.Errorf("failed to abort %s: %w", ps.Peer, err)
			}
			errs[i] = multierr.Append(errs[i], ps.Session.Close())
		}(i, ps)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

const abortTimeout = 5 * time.Second
