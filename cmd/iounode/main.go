// Command iounode runs an IOU ledger node or notary and drives a node's
// control API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mmynk/iouflow/internal/config"
	"github.com/mmynk/iouflow/pkg/logging"
)

const passphraseEnv = "IOU_PASSPHRASE"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the TOML config file",
		EnvVars: []string{"IOU_CONFIG"},
	}
	passphraseFlag = &cli.StringFlag{
		Name:    "passphrase",
		Usage:   "keystore passphrase",
		EnvVars: []string{passphraseEnv},
	}
	nodeURLFlag = &cli.StringFlag{
		Name:    "node",
		Usage:   "control API base URL",
		Value:   "http://localhost:8080",
		EnvVars: []string{"IOU_NODE_URL"},
	}
	operatorFlag = &cli.StringFlag{
		Name:  "operator",
		Usage: "operator name put in control tokens",
		Value: "cli",
	}
)

func main() {
	app := &cli.App{
		Name:  "iounode",
		Usage: "bilateral IOU ledger node",
		Flags: []cli.Flag{configFlag},
		Before: func(c *cli.Context) error {
			logging.Setup("")
			return nil
		},
		Commands: []*cli.Command{
			serveCommand,
			notaryCommand,
			keygenCommand,
			issueCommand,
			settleCommand,
			transferCommand,
			getCommand,
			listCommand,
			balancesCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by the global flag and sets up logging
// at its level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}

func printf(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(c.App.Writer, format, args...)
}
