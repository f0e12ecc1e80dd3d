// Package transport provides point-to-point sessions between parties.
//
// A session is an ordered, exactly-once byte stream between two parties.
// Mux implements sessions on top of any Sender that can carry an Envelope to
// a peer; the memory and connectrpc packages provide such senders.
package transport

import (
	"context"
	"errors"

	"github.com/mmynk/iouflow/internal/models"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
	ErrPeerMismatch   = errors.New("envelope sender does not own the session")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrMuxClosed      = errors.New("transport closed")
	ErrMisaddressed   = errors.New("envelope addressed to another party")
)

// Transport opens and accepts sessions for one local party.
type Transport interface {
	// Self is the local party.
	Self() models.Party

	// Open starts a session with peer.
	Open(ctx context.Context, peer models.Party) (Session, error)

	// Accept blocks until a peer opens a session with us.
	Accept(ctx context.Context) (Session, error)
}

// Session is one conversation with one peer.
type Session interface {
	ID() string
	Peer() models.Party

	// Send delivers one message. Messages arrive in send order, once.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks for the next message. It returns ErrSessionClosed once the
	// peer closed the session and every earlier message was received.
	Receive(ctx context.Context) ([]byte, error)

	// Close ends the session for both sides.
	Close() error
}

// Kind is the envelope type.
type Kind string

const (
	KindOpen  Kind = "open"
	KindData  Kind = "data"
	KindClose Kind = "close"
)

// Envelope is the unit a Sender carries between muxes.
type Envelope struct {
	SessionID string       `json:"session_id"`
	From      models.Party `json:"from"`
	To        models.Party `json:"to"`
	Seq       uint64       `json:"seq"`
	Kind      Kind         `json:"kind"`
	Payload   []byte       `json:"payload,omitempty"`
}

// Sender carries envelopes to the mux of env.To.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}
