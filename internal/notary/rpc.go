package notary

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/models"
)

const (
	// ServiceName is the fully-qualified name of the notary RPC service.
	ServiceName = "iouflow.notary.v1.NotaryService"

	NotarizeProcedure = "/" + ServiceName + "/Notarize"
	StatusProcedure   = "/" + ServiceName + "/Status"
)

// NotarizeRequest carries an endorsed proposal to the authority.
type NotarizeRequest struct {
	TxID         string               `json:"tx_id"`
	Raw          []byte               `json:"raw"`
	Endorsements []models.Endorsement `json:"endorsements"`
}

// NotarizeResponse carries the signed proof back.
type NotarizeResponse struct {
	Proof models.Proof `json:"proof"`
}

// StatusRequest asks for the proof of one transaction.
type StatusRequest struct {
	TxID string `json:"tx_id"`
}

// StatusResponse carries an accepted transaction. The proposal travels as
// Raw only and is decoded by the receiver.
type StatusResponse struct {
	Artifact models.FinalizedArtifact `json:"artifact"`
}

// NewHandler exposes an Authority over connect. It returns the path to mount
// the handler on, like generated connect constructors do.
func NewHandler(authority Authority, opts ...connect.HandlerOption) (string, http.Handler) {
	notarize := connect.NewUnaryHandler(NotarizeProcedure,
		func(ctx context.Context, req *connect.Request[NotarizeRequest]) (*connect.Response[NotarizeResponse], error) {
			proof, err := authority.Notarize(ctx, models.EndorsedProposal{
				TxID:         req.Msg.TxID,
				Raw:          req.Msg.Raw,
				Endorsements: req.Msg.Endorsements,
			})
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&NotarizeResponse{Proof: proof}), nil
		},
		opts...,
	)
	status := connect.NewUnaryHandler(StatusProcedure,
		func(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
			artifact, err := authority.Status(ctx, req.Msg.TxID)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&StatusResponse{Artifact: artifact}), nil
		},
		opts...,
	)

	mux := http.NewServeMux()
	mux.Handle(NotarizeProcedure, notarize)
	mux.Handle(StatusProcedure, status)
	return "/" + ServiceName + "/", mux
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, ErrInvalidEndorsement), errors.Is(err, ErrInvalidProposal):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// fromConnectError maps a remote failure back onto this package's sentinels.
func fromConnectError(err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return err
	}
	switch connectErr.Code() {
	case connect.CodeAborted:
		return fmt.Errorf("%w: %s", ErrConflict, connectErr.Message())
	case connect.CodeInvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidEndorsement, connectErr.Message())
	case connect.CodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, connectErr.Message())
	}
	return fmt.Errorf("notary call failed: %w", err)
}

// Ensure Client implements Authority
var _ Authority = (*Client)(nil)

// Client reaches a remote authority.
type Client struct {
	notarize *connect.Client[NotarizeRequest, NotarizeResponse]
	status   *connect.Client[StatusRequest, StatusResponse]
}

// NewClient creates a client for the authority served at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		notarize: connect.NewClient[NotarizeRequest, NotarizeResponse](httpClient, baseURL+NotarizeProcedure, opts...),
		status:   connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, opts...),
	}
}

// Notarize implements Authority.
func (c *Client) Notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error) {
	resp, err := c.notarize.CallUnary(ctx, connect.NewRequest(&NotarizeRequest{
		TxID:         endorsed.TxID,
		Raw:          endorsed.Raw,
		Endorsements: endorsed.Endorsements,
	}))
	if err != nil {
		return models.Proof{}, fromConnectError(err)
	}
	return resp.Msg.Proof, nil
}

// Status implements Authority.
func (c *Client) Status(ctx context.Context, txID string) (models.FinalizedArtifact, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{TxID: txID}))
	if err != nil {
		return models.FinalizedArtifact{}, fromConnectError(err)
	}
	artifact := resp.Msg.Artifact
	if canon.Hash(artifact.Raw) != txID {
		return models.FinalizedArtifact{}, fmt.Errorf("%w: status returned other bytes for %s", ErrInvalidProof, txID)
	}
	artifact.Proposal, err = canon.DecodeProposal(artifact.Raw)
	if err != nil {
		return models.FinalizedArtifact{}, err
	}
	return artifact, nil
}
