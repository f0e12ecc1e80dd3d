// Package flow runs the endorsement protocol for IOU transitions.
//
// An initiator builds a proposal, validates it, collects an endorsement from
// every other required signer over one session each, has the result
// notarized and commits it. Each counterparty runs a Responder on the session
// it accepted: it validates independently, endorses the exact bytes it
// received, and then waits for either the notarized artifact or an abort.
//
// Every failure is terminal for the proposal. Nothing is committed anywhere
// unless the notary accepted the transaction.
package flow
