package models

import (
	"github.com/google/uuid"
)

// IOU is one immutable version of a bilateral obligation.
//
// Transitions never mutate an IOU; Settle and TransferCreditor return a new
// value that keeps the LinearID. The current version for a LinearID only moves
// forward when a fully endorsed proposal is notarized.
type IOU struct {
	// LinearID binds every version of the same obligation. Assigned once by NewIOU.
	LinearID string `json:"linear_id"`

	// Amount is the total owed.
	Amount Amount `json:"amount"`

	// Creditor is owed the money (the lender).
	Creditor Party `json:"creditor"`

	// Debtor owes the money (the borrower).
	Debtor Party `json:"debtor"`

	// Settled is the cumulative amount paid so far. 0 <= Settled <= Amount.
	Settled Amount `json:"settled"`
}

// NewIOU creates the first version of an obligation with nothing settled and a
// fresh LinearID. It does not validate; use Validate or the proposal builder.
func NewIOU(amount Amount, creditor, debtor Party) IOU {
	return IOU{
		LinearID: uuid.New().String(),
		Amount:   amount,
		Creditor: creditor,
		Debtor:   debtor,
		Settled:  Zero(amount.Currency),
	}
}

// Participants returns every party whose endorsement the record requires.
func (r IOU) Participants() []Party {
	return []Party{r.Creditor, r.Debtor}
}

// Outstanding returns Amount - Settled.
func (r IOU) Outstanding() Amount {
	return Amount{Quantity: r.Amount.Quantity.Sub(r.Settled.Quantity), Currency: r.Amount.Currency}
}

// Validate checks the record's own invariants.
func (r IOU) Validate() error {
	malformed := func(reason string) error {
		return &MalformedRecordError{LinearID: r.LinearID, Reason: reason}
	}
	if r.LinearID == "" {
		return malformed("linear id is empty")
	}
	if r.Creditor.IsZero() || r.Debtor.IsZero() {
		return malformed("creditor and debtor must be set")
	}
	if r.Creditor == r.Debtor {
		return malformed("creditor and debtor must be distinct parties")
	}
	if r.Amount.Currency == "" {
		return malformed("amount has no currency")
	}
	if r.Amount.IsNegative() {
		return malformed("amount is negative")
	}
	if r.Settled.Currency != r.Amount.Currency {
		return malformed("settled and amount currencies differ")
	}
	if r.Settled.IsNegative() {
		return malformed("settled is negative")
	}
	if r.Settled.Quantity.GreaterThan(r.Amount.Quantity) {
		return malformed("settled exceeds amount")
	}
	return nil
}

// Settle records a payment of delta. The result keeps every field but Settled.
func (r IOU) Settle(delta Amount) (IOU, error) {
	if !delta.IsPositive() {
		return IOU{}, Invalid("settlement must be positive, got %s", delta)
	}
	total, err := r.Settled.Add(delta)
	if err != nil {
		return IOU{}, Invalid("settlement currency %s does not match %s", delta.Currency, r.Amount.Currency)
	}
	if total.Quantity.GreaterThan(r.Amount.Quantity) {
		return IOU{}, Invalid("settling %s would exceed outstanding %s", delta, r.Outstanding())
	}
	next := r
	next.Settled = total
	return next, nil
}

// TransferCreditor hands the creditor role to newCreditor.
func (r IOU) TransferCreditor(newCreditor Party) (IOU, error) {
	switch {
	case newCreditor.IsZero():
		return IOU{}, Invalid("new creditor is empty")
	case newCreditor == r.Creditor:
		return IOU{}, Invalid("%s is already the creditor", newCreditor)
	case newCreditor == r.Debtor:
		return IOU{}, Invalid("debtor %s cannot become the creditor", newCreditor)
	}
	next := r
	next.Creditor = newCreditor
	return next, nil
}

// Equal reports field-wise equality.
func (r IOU) Equal(o IOU) bool {
	return r.LinearID == o.LinearID &&
		r.Creditor == o.Creditor &&
		r.Debtor == o.Debtor &&
		r.Amount.Equal(o.Amount) &&
		r.Settled.Equal(o.Settled)
}
