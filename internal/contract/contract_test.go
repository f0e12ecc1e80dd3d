package contract

import (
	"errors"
	"testing"

	"github.com/mmynk/iouflow/internal/models"
)

func TestIOUContract(t *testing.T) {
	issued := models.NewIOU(models.MustAmount("100", "USD"), "O=Alice", "O=Bob")
	settled, _ := issued.Settle(models.MustAmount("40", "USD"))
	transferred, _ := issued.TransferCreditor("O=Charlie")

	both := []models.Party{"O=Alice", "O=Bob"}
	transferSigners := []models.Party{"O=Alice", "O=Bob", "O=Charlie"}

	tests := []struct {
		name      string
		candidate models.IOU
		prior     *models.IOU
		cmd       models.Command
		wantErr   bool
	}{
		{
			name:      "valid issue",
			candidate: issued,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: both},
		},
		{
			name:      "issue with missing signer",
			candidate: issued,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: []models.Party{"O=Alice"}},
			wantErr:   true,
		},
		{
			name:      "issue with extra signer",
			candidate: issued,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: transferSigners},
			wantErr:   true,
		},
		{
			name:      "issue with duplicate signer",
			candidate: issued,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: []models.Party{"O=Alice", "O=Alice"}},
			wantErr:   true,
		},
		{
			name:      "issue with prior",
			candidate: issued,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: both},
			wantErr:   true,
		},
		{
			name:      "issue already settled",
			candidate: settled,
			cmd:       models.Command{Kind: models.CommandIssue, Signers: both},
			wantErr:   true,
		},
		{
			name:      "issue of zero",
			candidate: models.NewIOU(models.MustAmount("0", "USD"), "O=Alice", "O=Bob"),
			cmd:       models.Command{Kind: models.CommandIssue, Signers: both},
			wantErr:   true,
		},
		{
			name:      "malformed record",
			candidate: models.IOU{LinearID: "x", Amount: models.MustAmount("1", "USD"), Creditor: "O=Alice", Debtor: "O=Alice", Settled: models.Zero("USD")},
			cmd:       models.Command{Kind: models.CommandIssue, Signers: both},
			wantErr:   true,
		},
		{
			name:      "valid settle",
			candidate: settled,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: both},
		},
		{
			name:      "settle with extra signer",
			candidate: settled,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: []models.Party{"O=Alice", "O=Bob", "O=Mallory"}},
			wantErr:   true,
		},
		{
			name:      "settle without prior",
			candidate: settled,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: both},
			wantErr:   true,
		},
		{
			name:      "settle that does not increase",
			candidate: issued,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: both},
			wantErr:   true,
		},
		{
			name:      "settle changing the creditor",
			candidate: func() models.IOU { r := settled; r.Creditor = "O=Charlie"; return r }(),
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: transferSigners},
			wantErr:   true,
		},
		{
			name:      "settle with a different linear id",
			candidate: func() models.IOU { r := settled; r.LinearID = "other"; return r }(),
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandSettle, Signers: both},
			wantErr:   true,
		},
		{
			name:      "valid transfer",
			candidate: transferred,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandTransfer, Signers: transferSigners},
		},
		{
			name:      "transfer without outgoing creditor",
			candidate: transferred,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandTransfer, Signers: []models.Party{"O=Charlie", "O=Bob"}},
			wantErr:   true,
		},
		{
			name:      "transfer with extra signer",
			candidate: transferred,
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandTransfer, Signers: []models.Party{"O=Alice", "O=Bob", "O=Charlie", "O=Mallory"}},
			wantErr:   true,
		},
		{
			name:      "transfer that also settles",
			candidate: func() models.IOU { r, _ := transferred.Settle(models.MustAmount("1", "USD")); return r }(),
			prior:     &issued,
			cmd:       models.Command{Kind: models.CommandTransfer, Signers: transferSigners},
			wantErr:   true,
		},
		{
			name:      "unknown command",
			candidate: issued,
			cmd:       models.Command{Kind: "burn", Signers: both},
			wantErr:   true,
		},
	}

	gate := IOUContract{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Verify(tt.candidate, tt.prior, tt.cmd)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Verify() = %v, want nil", err)
				}
				return
			}
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Verify() = %v, want *models.ValidationError", err)
			}
			if verr.Reason == "" {
				t.Error("ValidationError has no reason")
			}
		})
	}
}
