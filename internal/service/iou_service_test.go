package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/iouflow/internal/auth"
	"github.com/mmynk/iouflow/internal/flow"
	"github.com/mmynk/iouflow/internal/middleware"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/storage"
	"github.com/mmynk/iouflow/internal/storage/storagetest"
)

const (
	alice models.Party = "O=Alice"
	bob   models.Party = "O=Bob"
)

// fakeLedger finalizes every request immediately, unless failWith is set.
type fakeLedger struct {
	t        *testing.T
	versions map[string][]models.FinalizedArtifact
	failWith error
}

func newFakeLedger(t *testing.T) *fakeLedger {
	return &fakeLedger{t: t, versions: make(map[string][]models.FinalizedArtifact)}
}

func (l *fakeLedger) Party() models.Party { return alice }

func (l *fakeLedger) Issue(ctx context.Context, amount models.Amount, creditor, debtor models.Party) (models.FinalizedArtifact, error) {
	if l.failWith != nil {
		return models.FinalizedArtifact{}, l.failWith
	}
	a := storagetest.Artifact(l.t, nil, models.NewIOU(amount, creditor, debtor), models.CommandIssue)
	l.versions[a.Record().LinearID] = append(l.versions[a.Record().LinearID], a)
	return a, nil
}

func (l *fakeLedger) Settle(ctx context.Context, linearID string, delta models.Amount) (models.FinalizedArtifact, error) {
	return l.advance(linearID, models.CommandSettle, func(r models.IOU) (models.IOU, error) { return r.Settle(delta) })
}

func (l *fakeLedger) Transfer(ctx context.Context, linearID string, newCreditor models.Party) (models.FinalizedArtifact, error) {
	return l.advance(linearID, models.CommandTransfer, func(r models.IOU) (models.IOU, error) { return r.TransferCreditor(newCreditor) })
}

func (l *fakeLedger) advance(linearID string, kind models.CommandKind, next func(models.IOU) (models.IOU, error)) (models.FinalizedArtifact, error) {
	if l.failWith != nil {
		return models.FinalizedArtifact{}, l.failWith
	}
	head, err := l.Get(context.Background(), linearID)
	if err != nil {
		return models.FinalizedArtifact{}, &flow.PhaseError{Phase: flow.PhaseBuild, Err: err}
	}
	out, err := next(head.Record())
	if err != nil {
		return models.FinalizedArtifact{}, &flow.PhaseError{Phase: flow.PhaseBuild, Err: err}
	}
	a := storagetest.Artifact(l.t, head, out, kind)
	l.versions[linearID] = append(l.versions[linearID], a)
	return a, nil
}

func (l *fakeLedger) Get(ctx context.Context, linearID string) (*models.FinalizedArtifact, error) {
	vs := l.versions[linearID]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, linearID)
	}
	return &vs[len(vs)-1], nil
}

func (l *fakeLedger) List(ctx context.Context) ([]*models.FinalizedArtifact, error) {
	var out []*models.FinalizedArtifact
	for id := range l.versions {
		head, _ := l.Get(ctx, id)
		out = append(out, head)
	}
	return out, nil
}

func (l *fakeLedger) History(ctx context.Context, linearID string) ([]*models.FinalizedArtifact, error) {
	var out []*models.FinalizedArtifact
	for i := range l.versions[linearID] {
		out = append(out, &l.versions[linearID][i])
	}
	return out, nil
}

type testClients struct {
	issue    *connect.Client[IssueIOURequest, IOUResponse]
	settle   *connect.Client[SettleIOURequest, IOUResponse]
	transfer *connect.Client[TransferIOURequest, IOUResponse]
	get      *connect.Client[GetIOURequest, IOUResponse]
	list     *connect.Client[ListIOUsRequest, ListIOUsResponse]
	balances *connect.Client[GetBalancesRequest, GetBalancesResponse]
}

// setupTestServer serves ledger behind operator authentication.
func setupTestServer(t *testing.T, ledger Ledger, clientOpts ...connect.ClientOption) testClients {
	t.Helper()

	jwtManager := auth.NewJWTManager("test-secret", string(alice), time.Hour)
	path, handler := NewIOUServiceHandler(NewIOUService(ledger),
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.RequireOperator(jwtManager)),
	)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	if clientOpts == nil {
		clientOpts = []connect.ClientOption{
			connect.WithInterceptors(middleware.OperatorCredentials(jwtManager, "ops")),
		}
	}
	clientOpts = append(clientOpts, middleware.JSONCodec())
	return testClients{
		issue:    connect.NewClient[IssueIOURequest, IOUResponse](http.DefaultClient, server.URL+IssueIOUProcedure, clientOpts...),
		settle:   connect.NewClient[SettleIOURequest, IOUResponse](http.DefaultClient, server.URL+SettleIOUProcedure, clientOpts...),
		transfer: connect.NewClient[TransferIOURequest, IOUResponse](http.DefaultClient, server.URL+TransferIOUProcedure, clientOpts...),
		get:      connect.NewClient[GetIOURequest, IOUResponse](http.DefaultClient, server.URL+GetIOUProcedure, clientOpts...),
		list:     connect.NewClient[ListIOUsRequest, ListIOUsResponse](http.DefaultClient, server.URL+ListIOUsProcedure, clientOpts...),
		balances: connect.NewClient[GetBalancesRequest, GetBalancesResponse](http.DefaultClient, server.URL+GetBalancesProcedure, clientOpts...),
	}
}

func TestIOUService(t *testing.T) {
	ctx := context.Background()
	c := setupTestServer(t, newFakeLedger(t))

	issued, err := c.issue.CallUnary(ctx, connect.NewRequest(&IssueIOURequest{
		Amount: "100", Currency: "usd", Debtor: string(bob),
	}))
	if err != nil {
		t.Fatalf("IssueIOU failed: %v", err)
	}
	iou := issued.Msg.IOU
	if iou.Creditor != string(alice) || iou.Debtor != string(bob) {
		t.Errorf("parties = %s/%s, want local party as creditor", iou.Creditor, iou.Debtor)
	}
	if iou.Amount != "100.00" || iou.Currency != "USD" || iou.Outstanding != "100.00" {
		t.Errorf("issued = %+v", iou)
	}
	if iou.Command != "issue" || iou.Notary != "notary" {
		t.Errorf("issued = %+v", iou)
	}

	settled, err := c.settle.CallUnary(ctx, connect.NewRequest(&SettleIOURequest{
		LinearID: iou.LinearID, Amount: "40", Currency: "USD",
	}))
	if err != nil {
		t.Fatalf("SettleIOU failed: %v", err)
	}
	if settled.Msg.IOU.Settled != "40.00" || settled.Msg.IOU.Outstanding != "60.00" {
		t.Errorf("settled = %+v", settled.Msg.IOU)
	}

	transferred, err := c.transfer.CallUnary(ctx, connect.NewRequest(&TransferIOURequest{
		LinearID: iou.LinearID, NewCreditor: "O=Carol",
	}))
	if err != nil {
		t.Fatalf("TransferIOU failed: %v", err)
	}
	if transferred.Msg.IOU.Creditor != "O=Carol" || transferred.Msg.IOU.Settled != "40.00" {
		t.Errorf("transferred = %+v", transferred.Msg.IOU)
	}

	got, err := c.get.CallUnary(ctx, connect.NewRequest(&GetIOURequest{LinearID: iou.LinearID, History: true}))
	if err != nil {
		t.Fatalf("GetIOU failed: %v", err)
	}
	if got.Msg.IOU.TxID != transferred.Msg.IOU.TxID {
		t.Errorf("head = %s, want %s", got.Msg.IOU.TxID, transferred.Msg.IOU.TxID)
	}
	if len(got.Msg.History) != 3 || got.Msg.History[0].TxID != iou.TxID {
		t.Errorf("history = %+v", got.Msg.History)
	}

	list, err := c.list.CallUnary(ctx, connect.NewRequest(&ListIOUsRequest{}))
	if err != nil {
		t.Fatalf("ListIOUs failed: %v", err)
	}
	if len(list.Msg.IOUs) != 1 {
		t.Errorf("listed %d IOUs, want 1", len(list.Msg.IOUs))
	}
}

func TestGetBalances(t *testing.T) {
	ctx := context.Background()
	c := setupTestServer(t, newFakeLedger(t))

	issued, err := c.issue.CallUnary(ctx, connect.NewRequest(&IssueIOURequest{
		Amount: "100", Currency: "USD", Debtor: string(bob),
	}))
	if err != nil {
		t.Fatalf("IssueIOU failed: %v", err)
	}
	if _, err := c.settle.CallUnary(ctx, connect.NewRequest(&SettleIOURequest{
		LinearID: issued.Msg.IOU.LinearID, Amount: "40", Currency: "USD",
	})); err != nil {
		t.Fatalf("SettleIOU failed: %v", err)
	}

	resp, err := c.balances.CallUnary(ctx, connect.NewRequest(&GetBalancesRequest{}))
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	want := []Balance{
		{Party: string(alice), Currency: "USD", Owed: "60.00", Owing: "0.00", Net: "60.00"},
		{Party: string(bob), Currency: "USD", Owed: "0.00", Owing: "60.00", Net: "-60.00"},
	}
	if len(resp.Msg.Balances) != len(want) {
		t.Fatalf("balances = %+v", resp.Msg.Balances)
	}
	for i := range want {
		if resp.Msg.Balances[i] != want[i] {
			t.Errorf("balance %d = %+v, want %+v", i, resp.Msg.Balances[i], want[i])
		}
	}
	if len(resp.Msg.Payments) != 1 || resp.Msg.Payments[0] != (Payment{From: string(bob), To: string(alice), Amount: "60.00", Currency: "USD"}) {
		t.Errorf("payments = %+v", resp.Msg.Payments)
	}
}

func TestIOUServiceErrors(t *testing.T) {
	ctx := context.Background()
	c := setupTestServer(t, newFakeLedger(t))

	issued, err := c.issue.CallUnary(ctx, connect.NewRequest(&IssueIOURequest{
		Amount: "10", Currency: "USD", Debtor: string(bob),
	}))
	if err != nil {
		t.Fatalf("IssueIOU failed: %v", err)
	}
	linearID := issued.Msg.IOU.LinearID

	tests := []struct {
		name string
		call func() error
		want connect.Code
	}{
		{
			name: "malformed amount",
			call: func() error {
				_, err := c.issue.CallUnary(ctx, connect.NewRequest(&IssueIOURequest{Amount: "ten", Currency: "USD", Debtor: string(bob)}))
				return err
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "settle without linear id",
			call: func() error {
				_, err := c.settle.CallUnary(ctx, connect.NewRequest(&SettleIOURequest{Amount: "1", Currency: "USD"}))
				return err
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "settle beyond amount",
			call: func() error {
				_, err := c.settle.CallUnary(ctx, connect.NewRequest(&SettleIOURequest{LinearID: linearID, Amount: "11", Currency: "USD"}))
				return err
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "settle unknown record",
			call: func() error {
				_, err := c.settle.CallUnary(ctx, connect.NewRequest(&SettleIOURequest{LinearID: "missing", Amount: "1", Currency: "USD"}))
				return err
			},
			want: connect.CodeNotFound,
		},
		{
			name: "get unknown record",
			call: func() error {
				_, err := c.get.CallUnary(ctx, connect.NewRequest(&GetIOURequest{LinearID: "missing"}))
				return err
			},
			want: connect.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := connect.CodeOf(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestIOUServiceRunFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want connect.Code
	}{
		{"rejection", &flow.PhaseError{Phase: flow.PhaseCollect, Err: &flow.RejectionError{Peer: bob, Reason: "no"}}, connect.CodeFailedPrecondition},
		{"conflict", &flow.PhaseError{Phase: flow.PhaseNotarize, Err: &flow.NotarizationConflictError{LinearID: "x", TxID: "y", Err: errors.New("spent")}}, connect.CodeAborted},
		{"timeout", &flow.PhaseError{Phase: flow.PhaseCollect, Err: &flow.SessionTimeoutError{Peer: bob, Phase: flow.PhaseCollect}}, connect.CodeDeadlineExceeded},
		{"outcome unknown", &flow.PhaseError{Phase: flow.PhaseNotarize, Err: fmt.Errorf("%w: %v", flow.ErrOutcomeUnknown, context.DeadlineExceeded)}, connect.CodeUnknown},
		{"commit", &flow.PhaseError{Phase: flow.PhaseCommit, Err: errors.New("disk full")}, connect.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger(t)
			ledger.failWith = tt.err
			c := setupTestServer(t, ledger)

			_, err := c.issue.CallUnary(context.Background(), connect.NewRequest(&IssueIOURequest{
				Amount: "1", Currency: "USD", Debtor: string(bob),
			}))
			if got := connect.CodeOf(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestIOUServiceRequiresOperator(t *testing.T) {
	other := auth.NewJWTManager("other-secret", string(alice), time.Hour)

	tests := []struct {
		name string
		opts []connect.ClientOption
	}{
		{"no token", []connect.ClientOption{}},
		{"wrong secret", []connect.ClientOption{connect.WithInterceptors(middleware.OperatorCredentials(other, "ops"))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupTestServer(t, newFakeLedger(t), tt.opts...)
			_, err := c.list.CallUnary(context.Background(), connect.NewRequest(&ListIOUsRequest{}))
			if got := connect.CodeOf(err); got != connect.CodeUnauthenticated {
				t.Errorf("code = %v, want Unauthenticated", got)
			}
		})
	}
}
