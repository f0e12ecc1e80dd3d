package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
)

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "create an encrypted key file for a party and print its public key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "party", Usage: "party name, e.g. O=Alice", Required: true},
		&cli.StringFlag{Name: "out", Usage: "key file to write", Required: true},
		passphraseFlag,
	},
	Action: func(c *cli.Context) error {
		party := models.Party(c.String("party"))
		out := c.String("out")
		passphrase := c.String(passphraseFlag.Name)
		if passphrase == "" {
			return fmt.Errorf("a passphrase is required, set --passphrase or %s", passphraseEnv)
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("refusing to overwrite %s", out)
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if err := identity.SaveKey(out, party, priv, passphrase); err != nil {
			return err
		}

		printf(c, "party = %q\npublic_key = %q\n", party, base64.StdEncoding.EncodeToString(pub))
		return nil
	},
}
