package flow

import (
	"github.com/google/uuid"

	"github.com/mmynk/iouflow/internal/models"
)

// Propose builds the issuance proposal for record. The required signers are
// exactly the record's participants. It has no side effects.
func Propose(record models.IOU, notary models.Party) (models.Proposal, error) {
	if err := checkRecord(record); err != nil {
		return models.Proposal{}, err
	}
	if notary.IsZero() {
		return models.Proposal{}, ErrNoNotary
	}
	return models.Proposal{
		Nonce:   uuid.NewString(),
		Command: models.Command{Kind: models.CommandIssue, Signers: record.Participants()},
		Output:  record,
		Notary:  notary,
	}, nil
}

// ProposeTransition builds a proposal replacing prior, produced by priorTx,
// with next. Signers are the participants of both versions, so an outgoing
// creditor signs its own transfer.
func ProposeTransition(kind models.CommandKind, prior models.IOU, priorTx string, next models.IOU, notary models.Party) (models.Proposal, error) {
	if err := checkRecord(next); err != nil {
		return models.Proposal{}, err
	}
	if next.LinearID != prior.LinearID {
		return models.Proposal{}, &models.MalformedRecordError{
			LinearID: next.LinearID,
			Reason:   "transition must keep the linear id " + prior.LinearID,
		}
	}
	if priorTx == "" {
		return models.Proposal{}, &models.MalformedRecordError{LinearID: next.LinearID, Reason: "prior transaction is unknown"}
	}
	if notary.IsZero() {
		return models.Proposal{}, ErrNoNotary
	}
	return models.Proposal{
		Nonce:   uuid.NewString(),
		Command: models.Command{Kind: kind, Signers: models.Union(prior.Participants(), next.Participants())},
		Prior:   &prior,
		PriorTx: priorTx,
		Output:  next,
		Notary:  notary,
	}, nil
}

func checkRecord(r models.IOU) error {
	if len(models.Union(r.Participants(), nil)) < 2 {
		return &models.MalformedRecordError{LinearID: r.LinearID, Reason: "needs two distinct participants"}
	}
	return r.Validate()
}
