package models

import (
	"fmt"
	"time"
)

// CommandKind is the reason a proposal asks for signatures.
type CommandKind string

const (
	CommandIssue    CommandKind = "issue"
	CommandSettle   CommandKind = "settle"
	CommandTransfer CommandKind = "transfer"
)

// ParseCommandKind maps a wire string to a CommandKind.
func ParseCommandKind(s string) (CommandKind, error) {
	switch k := CommandKind(s); k {
	case CommandIssue, CommandSettle, CommandTransfer:
		return k, nil
	}
	return "", fmt.Errorf("unknown command kind %q", s)
}

// Command is the authorization intent attached to a proposal: what is being
// done and who must sign for it.
type Command struct {
	Kind    CommandKind `json:"kind"`
	Signers []Party     `json:"signers"`
}

// Proposal is an unsigned candidate transition. It is never persisted on its
// own: it either becomes a FinalizedArtifact or is discarded.
type Proposal struct {
	// Nonce makes two otherwise identical proposals distinct.
	Nonce string `json:"nonce"`

	Command Command `json:"command"`

	// Prior is the version being replaced; nil for issuance.
	Prior *IOU `json:"prior,omitempty"`

	// PriorTx is the transaction that produced Prior; empty for issuance.
	PriorTx string `json:"prior_tx,omitempty"`

	// Output is the proposed new version.
	Output IOU `json:"output"`

	// Notary is the authority that must order this transition.
	Notary Party `json:"notary"`
}

// LinearID returns the obligation the proposal advances.
func (p Proposal) LinearID() string {
	return p.Output.LinearID
}

// Endorsement is one party's signature over the canonical proposal bytes.
type Endorsement struct {
	Signer    Party  `json:"signer"`
	Signature []byte `json:"signature"`
}

// EndorsedProposal is a proposal with the complete endorsement set.
// Raw holds the exact bytes every endorsement signs.
type EndorsedProposal struct {
	TxID         string        `json:"tx_id"`
	Raw          []byte        `json:"raw"`
	Proposal     Proposal      `json:"-"`
	Endorsements []Endorsement `json:"endorsements"`
}

// Proof is the notary's signed statement that TxID is the accepted successor
// for LinearID.
type Proof struct {
	TxID        string    `json:"tx_id"`
	LinearID    string    `json:"linear_id"`
	Notary      Party     `json:"notary"`
	NotarizedAt time.Time `json:"notarized_at"`
	Signature   []byte    `json:"signature"`
}

// FinalizedArtifact is an endorsed, notarized proposal ready to commit.
type FinalizedArtifact struct {
	TxID         string        `json:"tx_id"`
	Raw          []byte        `json:"raw"`
	Proposal     Proposal      `json:"-"`
	Endorsements []Endorsement `json:"endorsements"`
	Proof        Proof         `json:"proof"`
}

// Record returns the committed IOU version.
func (a FinalizedArtifact) Record() IOU {
	return a.Proposal.Output
}
