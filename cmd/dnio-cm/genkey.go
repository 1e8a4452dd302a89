package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
)

var (
	genkeyPrivate string
	genkeyPublic  string
	genkeyForce   bool
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Write an Ed25519 key pair for signing tokens",
	Long: `genkey writes a PKCS#8 private key and a PKIX public key as PEM files.
Point CM_JWT_PRIVATE_KEY and CM_JWT_PUBLIC_KEY at them so tokens survive restarts
and are accepted by every instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !genkeyForce {
			for _, p := range []string{genkeyPrivate, genkeyPublic} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s exists; pass --force to overwrite", p)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
		}
		privPEM, pubPEM, err := auth.GenerateKeyPairPEM()
		if err != nil {
			return err
		}
		if err := os.WriteFile(genkeyPrivate, privPEM, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(genkeyPublic, pubPEM, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", genkeyPrivate, genkeyPublic)
		return nil
	},
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeyPrivate, "private", "jwt_private.pem", "private key output path")
	genkeyCmd.Flags().StringVar(&genkeyPublic, "public", "jwt_public.pem", "public key output path")
	genkeyCmd.Flags().BoolVar(&genkeyForce, "force", false, "overwrite existing files")
}
