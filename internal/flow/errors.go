package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/iouflow/internal/models"
)

var (
	ErrNoNotary          = errors.New("no notary configured")
	ErrNotSigner         = errors.New("party is not a required signer")
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrStaleProposal     = errors.New("proposal does not extend the local head")
	ErrOutcomeUnknown    = errors.New("notarization outcome unknown")
)

// Phase names the step of a run that failed.
type Phase string

const (
	PhaseBuild    Phase = "build"
	PhaseValidate Phase = "validate"
	PhaseCollect  Phase = "collect"
	PhaseNotarize Phase = "notarize"
	PhaseCommit   Phase = "commit"
	PhaseFinality Phase = "finality"
)

// PhaseError is what an initiator's run returns on failure.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func failed(phase Phase, err error) error {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: phase, Err: err}
}

// RejectionError means a counterparty declined to endorse.
type RejectionError struct {
	Peer   models.Party
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected the proposal: %s", e.Peer, e.Reason)
}

// NotarizationConflictError means the prior version was consumed by another
// transaction first. The run must not be retried as is.
type NotarizationConflictError struct {
	LinearID string
	TxID     string
	Err      error
}

func (e *NotarizationConflictError) Error() string {
	return fmt.Sprintf("notary refused %s on %s: %v", e.TxID, e.LinearID, e.Err)
}

func (e *NotarizationConflictError) Unwrap() error {
	return e.Err
}

// SessionTimeoutError means a peer did not answer in time.
type SessionTimeoutError struct {
	Peer  models.Party
	Phase Phase
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s during %s", e.Peer, e.Phase)
}

func (e *SessionTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// timeoutOr converts a deadline into a SessionTimeoutError.
func timeoutOr(err error, peer models.Party, phase Phase) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &SessionTimeoutError{Peer: peer, Phase: phase}
	}
	return err
}
