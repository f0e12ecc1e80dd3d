package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/transport"
)

// MessageKind tags a protocol message on a session.
type MessageKind string

const (
	MsgProposal    MessageKind = "proposal"
	MsgEndorsement MessageKind = "endorsement"
	MsgReject      MessageKind = "reject"
	MsgArtifact    MessageKind = "artifact"
	MsgAbort       MessageKind = "abort"
	MsgAck         MessageKind = "ack"
)

// message is the session payload. Which fields are set depends on Kind.
type message struct {
	Kind MessageKind `json:"kind"`

	// Raw is the canonical proposal (proposal) or the artifact's proposal
	// bytes (artifact).
	Raw []byte `json:"raw,omitempty"`

	// Endorsements are the initiator's own endorsement (proposal), the
	// responder's endorsement (endorsement) or the full set (artifact).
	Endorsements []models.Endorsement `json:"endorsements,omitempty"`

	Proof *models.Proof `json:"proof,omitempty"`

	TxID   string `json:"tx_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func send(ctx context.Context, s transport.Session, m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", m.Kind, err)
	}
	return s.Send(ctx, b)
}

func receive(ctx context.Context, s transport.Session) (message, error) {
	b, err := s.Receive(ctx)
	if err != nil {
		return message{}, err
	}
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return message{}, fmt.Errorf("failed to decode message from %s: %w", s.Peer(), err)
	}
	return m, nil
}

func artifactMessage(a models.FinalizedArtifact) message {
	proof := a.Proof
	return message{
		Kind:         MsgArtifact,
		Raw:          a.Raw,
		Endorsements: a.Endorsements,
		Proof:        &proof,
		TxID:         a.TxID,
	}
}
