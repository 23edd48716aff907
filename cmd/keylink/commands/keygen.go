package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
)

func keygenCmd() *cobra.Command {
	var showPrivate bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 key pair and print its compressed public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer kp.Zero()
			c, err := crypto.Compress(kp.PublicKey)
			if err != nil {
				return err
			}
			fmt.Printf("Public key:  %s\n", hex.EncodeToString(c))
			fmt.Printf("Fingerprint: %s\n", identity.FingerprintFromPublicKey(kp.PublicKey))
			if showPrivate {
				fmt.Printf("Private key: %s\n", hex.EncodeToString(kp.PrivateKey))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPrivate, "private", false, "also print the private scalar")
	return cmd
}
