package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/layer-3/gatekeep/adapters/identity"
	"github.com/urfave/cli/v2"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate a signing key or a password hash",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "key type: hmac or ecdsa",
				Value: "hmac",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "print the bcrypt hash of this password instead of a key",
			},
		},
		Action: func(c *cli.Context) error {
			out := c.App.Writer
			if pw := c.String("password"); pw != "" {
				hash, err := identity.HashPassword(pw)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, hash)
				return err
			}

			switch c.String("type") {
			case "hmac":
				return writeHMACSecret(out)
			case "ecdsa":
				return writeECDSAKey(out)
			default:
				return fmt.Errorf("unknown key type %q", c.String("type"))
			}
		},
	}
}

func writeHMACSecret(w io.Writer) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, base64.StdEncoding.EncodeToString(secret))
	return err
}

func writeECDSAKey(w io.Writer) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
