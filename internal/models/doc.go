// Package models defines the ledger domain for iouflow.
//
// # Records
//
// An IOU is an immutable, versioned obligation between a creditor and a
// debtor. Every version of the same obligation shares a LinearID; a version is
// superseded, never edited. Settle and TransferCreditor are pure functions
// returning the next version.
//
// # Protocol artifacts
//
//   - Proposal: unsigned candidate transition plus the Command naming who must sign
//   - EndorsedProposal: the proposal's canonical bytes with every required signature
//   - Proof: the notary's signed acceptance of a transaction
//   - FinalizedArtifact: endorsed proposal plus proof, the unit a record store commits
//
// Identities are Party names; keys live in the identity service. Money uses
// shopspring/decimal so settlement sums are exact.
package models
