package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/urfave/cli/v2"

	"github.com/mmynk/iouflow/internal/auth"
	"github.com/mmynk/iouflow/internal/middleware"
	"github.com/mmynk/iouflow/internal/service"
)

var (
	linearIDFlag = &cli.StringFlag{Name: "id", Usage: "linear id of the IOU", Required: true}
	amountFlag   = &cli.StringFlag{Name: "amount", Usage: "decimal amount, e.g. 12.50", Required: true}
	currencyFlag = &cli.StringFlag{Name: "currency", Usage: "ISO 4217 code", Value: "USD"}
)

var issueCommand = &cli.Command{
	Name:  "issue",
	Usage: "issue a new IOU; an omitted side defaults to the node's own party",
	Flags: []cli.Flag{
		nodeURLFlag, operatorFlag, amountFlag, currencyFlag,
		&cli.StringFlag{Name: "creditor", Usage: "party owed the amount"},
		&cli.StringFlag{Name: "debtor", Usage: "party owing the amount"},
	},
	Action: func(c *cli.Context) error {
		return call[service.IssueIOURequest, service.IOUResponse](c, service.IssueIOUProcedure, &service.IssueIOURequest{
			Amount:   c.String(amountFlag.Name),
			Currency: c.String(currencyFlag.Name),
			Creditor: c.String("creditor"),
			Debtor:   c.String("debtor"),
		})
	},
}

var settleCommand = &cli.Command{
	Name:  "settle",
	Usage: "record a payment against an IOU",
	Flags: []cli.Flag{nodeURLFlag, operatorFlag, linearIDFlag, amountFlag, currencyFlag},
	Action: func(c *cli.Context) error {
		return call[service.SettleIOURequest, service.IOUResponse](c, service.SettleIOUProcedure, &service.SettleIOURequest{
			LinearID: c.String(linearIDFlag.Name),
			Amount:   c.String(amountFlag.Name),
			Currency: c.String(currencyFlag.Name),
		})
	},
}

var transferCommand = &cli.Command{
	Name:  "transfer",
	Usage: "hand an IOU to a new creditor",
	Flags: []cli.Flag{
		nodeURLFlag, operatorFlag, linearIDFlag,
		&cli.StringFlag{Name: "to", Usage: "new creditor", Required: true},
	},
	Action: func(c *cli.Context) error {
		return call[service.TransferIOURequest, service.IOUResponse](c, service.TransferIOUProcedure, &service.TransferIOURequest{
			LinearID:    c.String(linearIDFlag.Name),
			NewCreditor: c.String("to"),
		})
	},
}

var getCommand = &cli.Command{
	Name:  "get",
	Usage: "show the current version of an IOU",
	Flags: []cli.Flag{
		nodeURLFlag, operatorFlag, linearIDFlag,
		&cli.BoolFlag{Name: "history", Usage: "include every earlier version"},
	},
	Action: func(c *cli.Context) error {
		return call[service.GetIOURequest, service.IOUResponse](c, service.GetIOUProcedure, &service.GetIOURequest{
			LinearID: c.String(linearIDFlag.Name),
			History:  c.Bool("history"),
		})
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list the IOUs the node is part of",
	Flags: []cli.Flag{nodeURLFlag, operatorFlag},
	Action: func(c *cli.Context) error {
		return call[service.ListIOUsRequest, service.ListIOUsResponse](c, service.ListIOUsProcedure, &service.ListIOUsRequest{})
	},
}

var balancesCommand = &cli.Command{
	Name:  "balances",
	Usage: "net positions across the node's IOUs and the payments that would clear them",
	Flags: []cli.Flag{nodeURLFlag, operatorFlag},
	Action: func(c *cli.Context) error {
		return call[service.GetBalancesRequest, service.GetBalancesResponse](c, service.GetBalancesProcedure, &service.GetBalancesRequest{})
	},
}

// call sends one control request signed with the configured control secret
// and prints the reply as JSON.
func call[Req, Res any](c *cli.Context, procedure string, req *Req) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.ControlSecret == "" {
		return fmt.Errorf("control_secret is not configured")
	}
	jwtManager := auth.NewJWTManager(cfg.ControlSecret, cfg.Party, controlTokenDuration)

	client := connect.NewClient[Req, Res](http.DefaultClient, c.String(nodeURLFlag.Name)+procedure,
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.OperatorCredentials(jwtManager, c.String(operatorFlag.Name))),
	)
	resp, err := client.CallUnary(c.Context, connect.NewRequest(req))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp.Msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	printf(c, "%s\n", out)
	return nil
}
