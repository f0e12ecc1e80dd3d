// Package contract holds the IOU validation rules.
//
// Verify is pure: it looks only at its arguments, so initiator and responders
// can run it independently and each reach their own verdict.
package contract

import (
	"github.com/mmynk/iouflow/internal/models"
)

// Gate decides whether a proposed transition is legal.
// A nil error passes; otherwise the error is a *models.ValidationError.
type Gate interface {
	Verify(candidate models.IOU, prior *models.IOU, cmd models.Command) error
}

// Ensure IOUContract implements Gate
var _ Gate = IOUContract{}

// IOUContract enforces issuance, settlement and creditor-transfer rules.
type IOUContract struct{}

// Verify implements Gate.
func (IOUContract) Verify(candidate models.IOU, prior *models.IOU, cmd models.Command) error {
	if err := candidate.Validate(); err != nil {
		return &models.ValidationError{Reason: err.Error()}
	}
	if prior != nil {
		if err := prior.Validate(); err != nil {
			return models.Invalid("prior version: %v", err)
		}
		if prior.LinearID != candidate.LinearID {
			return models.Invalid("linear id changed from %s to %s", prior.LinearID, candidate.LinearID)
		}
	}

	switch cmd.Kind {
	case models.CommandIssue:
		return verifyIssue(candidate, prior, cmd)
	case models.CommandSettle:
		return verifySettle(candidate, prior, cmd)
	case models.CommandTransfer:
		return verifyTransfer(candidate, prior, cmd)
	default:
		return models.Invalid("unknown command %q", cmd.Kind)
	}
}

func verifyIssue(out models.IOU, prior *models.IOU, cmd models.Command) error {
	if prior != nil {
		return models.Invalid("issuance must not consume a prior version")
	}
	if !out.Amount.IsPositive() {
		return models.Invalid("issued amount must be positive")
	}
	if !out.Settled.Quantity.IsZero() {
		return models.Invalid("a new IOU must have nothing settled")
	}
	return requireSigners(cmd, out.Participants())
}

func verifySettle(out models.IOU, prior *models.IOU, cmd models.Command) error {
	if prior == nil {
		return models.Invalid("settlement needs the prior version")
	}
	if !out.Amount.Equal(prior.Amount) {
		return models.Invalid("settlement must not change the amount")
	}
	if out.Creditor != prior.Creditor || out.Debtor != prior.Debtor {
		return models.Invalid("settlement must not change the parties")
	}
	if !out.Settled.Quantity.GreaterThan(prior.Settled.Quantity) {
		return models.Invalid("settled must increase, %s -> %s", prior.Settled, out.Settled)
	}
	return requireSigners(cmd, out.Participants())
}

func verifyTransfer(out models.IOU, prior *models.IOU, cmd models.Command) error {
	if prior == nil {
		return models.Invalid("transfer needs the prior version")
	}
	if out.Creditor == prior.Creditor {
		return models.Invalid("transfer must change the creditor")
	}
	if out.Debtor != prior.Debtor {
		return models.Invalid("transfer must not change the debtor")
	}
	if !out.Amount.Equal(prior.Amount) || !out.Settled.Equal(prior.Settled) {
		return models.Invalid("transfer must not change amounts")
	}
	return requireSigners(cmd, models.Union(prior.Participants(), out.Participants()))
}

// requireSigners checks that cmd names every party in need and nobody else.
func requireSigners(cmd models.Command, need []models.Party) error {
	seen := make(map[models.Party]bool, len(cmd.Signers))
	for _, s := range cmd.Signers {
		if seen[s] {
			return models.Invalid("signer %s listed twice", s)
		}
		seen[s] = true
	}
	for _, p := range need {
		if !seen[p] {
			return models.Invalid("%s must sign a %s", p, cmd.Kind)
		}
	}
	if len(cmd.Signers) != len(need) {
		return models.Invalid("%s signers must be exactly the participants", cmd.Kind)
	}
	return nil
}
