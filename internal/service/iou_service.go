package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/iouflow/internal/calculator"
	"github.com/mmynk/iouflow/internal/flow"
	"github.com/mmynk/iouflow/internal/middleware"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
)

const (
	// IOUServiceName is the fully-qualified name of the node control service.
	IOUServiceName = "iouflow.control.v1.IOUService"

	IssueIOUProcedure    = "/" + IOUServiceName + "/IssueIOU"
	SettleIOUProcedure   = "/" + IOUServiceName + "/SettleIOU"
	TransferIOUProcedure = "/" + IOUServiceName + "/TransferIOU"
	GetIOUProcedure      = "/" + IOUServiceName + "/GetIOU"
	ListIOUsProcedure    = "/" + IOUServiceName + "/ListIOUs"
	GetBalancesProcedure = "/" + IOUServiceName + "/GetBalances"
)

// Ledger is the part of a node the control API drives.
type Ledger interface {
	Party() models.Party
	Issue(ctx context.Context, amount models.Amount, creditor, debtor models.Party) (models.FinalizedArtifact, error)
	Settle(ctx context.Context, linearID string, delta models.Amount) (models.FinalizedArtifact, error)
	Transfer(ctx context.Context, linearID string, newCreditor models.Party) (models.FinalizedArtifact, error)
	Get(ctx context.Context, linearID string) (*models.FinalizedArtifact, error)
	List(ctx context.Context) ([]*models.FinalizedArtifact, error)
	History(ctx context.Context, linearID string) ([]*models.FinalizedArtifact, error)
}

// Ensure flow.Node implements Ledger
var _ Ledger = (*flow.Node)(nil)

// IOU is the control API view of one committed version.
type IOU struct {
	LinearID    string    `json:"linear_id"`
	TxID        string    `json:"tx_id"`
	Command     string    `json:"command"`
	Creditor    string    `json:"creditor"`
	Debtor      string    `json:"debtor"`
	Amount      string    `json:"amount"`
	Settled     string    `json:"settled"`
	Outstanding string    `json:"outstanding"`
	Currency    string    `json:"currency"`
	Notary      string    `json:"notary"`
	NotarizedAt time.Time `json:"notarized_at"`
}

type IssueIOURequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Creditor string `json:"creditor"`
	Debtor   string `json:"debtor"`
}

type SettleIOURequest struct {
	LinearID string `json:"linear_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type TransferIOURequest struct {
	LinearID    string `json:"linear_id"`
	NewCreditor string `json:"new_creditor"`
}

type GetIOURequest struct {
	LinearID string `json:"linear_id"`
	// History also returns every earlier version, oldest first.
	History bool `json:"history"`
}

type ListIOUsRequest struct{}

type IOUResponse struct {
	IOU     IOU   `json:"iou"`
	History []IOU `json:"history,omitempty"`
}

type ListIOUsResponse struct {
	IOUs []IOU `json:"ious"`
}

type GetBalancesRequest struct{}

// Balance is one party's net position in one currency, across the IOUs this
// node is part of. Positive Net means the party is owed money.
type Balance struct {
	Party    string `json:"party"`
	Currency string `json:"currency"`
	Owed     string `json:"owed"`
	Owing    string `json:"owing"`
	Net      string `json:"net"`
}

// Payment is one suggested transfer that helps clear the balances.
type Payment struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type GetBalancesResponse struct {
	Balances []Balance `json:"balances"`
	Payments []Payment `json:"payments"`
}

// IOUService implements the node control API over a Ledger.
type IOUService struct {
	ledger Ledger
}

// NewIOUService creates a new IOUService.
func NewIOUService(ledger Ledger) *IOUService {
	return &IOUService{ledger: ledger}
}

// IssueIOU starts an issuance run and returns the finalized record.
func (s *IOUService) IssueIOU(ctx context.Context, req *connect.Request[IssueIOURequest]) (*connect.Response[IOUResponse], error) {
	amount, err := models.NewAmount(req.Msg.Amount, req.Msg.Currency)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	creditor := models.Party(req.Msg.Creditor)
	debtor := models.Party(req.Msg.Debtor)
	if creditor.IsZero() {
		creditor = s.ledger.Party()
	}
	if debtor.IsZero() {
		debtor = s.ledger.Party()
	}

	slog.Info("IssueIOU called", "operator", middleware.GetOperator(ctx), "creditor", creditor, "debtor", debtor, "amount", amount)
	artifact, err := s.ledger.Issue(ctx, amount, creditor, debtor)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&IOUResponse{IOU: toIOU(&artifact)}), nil
}

// SettleIOU records a payment against an existing IOU.
func (s *IOUService) SettleIOU(ctx context.Context, req *connect.Request[SettleIOURequest]) (*connect.Response[IOUResponse], error) {
	if req.Msg.LinearID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("linear_id is required"))
	}
	delta, err := models.NewAmount(req.Msg.Amount, req.Msg.Currency)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	slog.Info("SettleIOU called", "operator", middleware.GetOperator(ctx), "linear_id", req.Msg.LinearID, "amount", delta)
	artifact, err := s.ledger.Settle(ctx, req.Msg.LinearID, delta)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&IOUResponse{IOU: toIOU(&artifact)}), nil
}

// TransferIOU hands an IOU to a new creditor.
func (s *IOUService) TransferIOU(ctx context.Context, req *connect.Request[TransferIOURequest]) (*connect.Response[IOUResponse], error) {
	if req.Msg.LinearID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("linear_id is required"))
	}

	slog.Info("TransferIOU called", "operator", middleware.GetOperator(ctx), "linear_id", req.Msg.LinearID, "new_creditor", req.Msg.NewCreditor)
	artifact, err := s.ledger.Transfer(ctx, req.Msg.LinearID, models.Party(req.Msg.NewCreditor))
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&IOUResponse{IOU: toIOU(&artifact)}), nil
}

// GetIOU returns the current version of an IOU, optionally with its history.
func (s *IOUService) GetIOU(ctx context.Context, req *connect.Request[GetIOURequest]) (*connect.Response[IOUResponse], error) {
	head, err := s.ledger.Get(ctx, req.Msg.LinearID)
	if err != nil {
		return nil, toConnectError(err)
	}
	resp := &IOUResponse{IOU: toIOU(head)}
	if req.Msg.History {
		versions, err := s.ledger.History(ctx, req.Msg.LinearID)
		if err != nil {
			return nil, toConnectError(err)
		}
		for _, v := range versions {
			resp.History = append(resp.History, toIOU(v))
		}
	}
	return connect.NewResponse(resp), nil
}

// ListIOUs returns the current version of every IOU the node is part of.
func (s *IOUService) ListIOUs(ctx context.Context, req *connect.Request[ListIOUsRequest]) (*connect.Response[ListIOUsResponse], error) {
	heads, err := s.ledger.List(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	ious := make([]IOU, 0, len(heads))
	for _, h := range heads {
		ious = append(ious, toIOU(h))
	}
	return connect.NewResponse(&ListIOUsResponse{IOUs: ious}), nil
}

// GetBalances nets the outstanding amounts of every IOU the node is part of.
func (s *IOUService) GetBalances(ctx context.Context, req *connect.Request[GetBalancesRequest]) (*connect.Response[GetBalancesResponse], error) {
	heads, err := s.ledger.List(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	records := make([]models.IOU, 0, len(heads))
	for _, h := range heads {
		records = append(records, h.Record())
	}

	balances, edges, err := calculator.CalculateBalances(records)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	resp := &GetBalancesResponse{
		Balances: make([]Balance, 0, len(balances)),
		Payments: make([]Payment, 0, len(edges)),
	}
	for _, b := range balances {
		resp.Balances = append(resp.Balances, Balance{
			Party:    string(b.Party),
			Currency: b.Currency,
			Owed:     b.Owed.StringFixed(2),
			Owing:    b.Owing.StringFixed(2),
			Net:      b.Net.StringFixed(2),
		})
	}
	for _, e := range edges {
		resp.Payments = append(resp.Payments, Payment{
			From:     string(e.From),
			To:       string(e.To),
			Amount:   e.Amount.Quantity.StringFixed(2),
			Currency: e.Amount.Currency,
		})
	}
	return connect.NewResponse(resp), nil
}

// NewIOUServiceHandler mounts svc and returns the path to serve it on.
func NewIOUServiceHandler(svc *IOUService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(IssueIOUProcedure, connect.NewUnaryHandler(IssueIOUProcedure, svc.IssueIOU, opts...))
	mux.Handle(SettleIOUProcedure, connect.NewUnaryHandler(SettleIOUProcedure, svc.SettleIOU, opts...))
	mux.Handle(TransferIOUProcedure, connect.NewUnaryHandler(TransferIOUProcedure, svc.TransferIOU, opts...))
	mux.Handle(GetIOUProcedure, connect.NewUnaryHandler(GetIOUProcedure, svc.GetIOU, opts...))
	mux.Handle(ListIOUsProcedure, connect.NewUnaryHandler(ListIOUsProcedure, svc.ListIOUs, opts...))
	mux.Handle(GetBalancesProcedure, connect.NewUnaryHandler(GetBalancesProcedure, svc.GetBalances, opts...))
	return "/" + IOUServiceName + "/", mux
}

func toIOU(a *models.FinalizedArtifact) IOU {
	r := a.Record()
	return IOU{
		LinearID:    r.LinearID,
		TxID:        a.TxID,
		Command:     string(a.Proposal.Command.Kind),
		Creditor:    string(r.Creditor),
		Debtor:      string(r.Debtor),
		Amount:      r.Amount.Quantity.StringFixed(2),
		Settled:     r.Settled.Quantity.StringFixed(2),
		Outstanding: r.Outstanding().Quantity.StringFixed(2),
		Currency:    r.Amount.Currency,
		Notary:      string(a.Proof.Notary),
		NotarizedAt: a.Proof.NotarizedAt,
	}
}

// toConnectError maps run failures onto connect codes.
func toConnectError(err error) error {
	var (
		rejection *flow.RejectionError
		conflict  *flow.NotarizationConflictError
		phaseErr  *flow.PhaseError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.As(err, &conflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.As(err, &rejection):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, flow.ErrOutcomeUnknown):
		return connect.NewError(connect.CodeUnknown, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.As(err, &phaseErr) && (phaseErr.Phase == flow.PhaseBuild || phaseErr.Phase == flow.PhaseValidate):
		return connect.NewError(connect.CodeInvalidArgument, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
