package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/keylink/keylink"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/transport/quic"
)

// pair <device-id>: exchange keys with the peripheral at --addr.
func pairCmd() *cobra.Command {
	var (
		addr    string
		peerHex string
		repair  bool
	)
	cmd := &cobra.Command{
		Use:   "pair <device-id>",
		Short: "Pair with a peripheral and store the shared secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseDeviceID(args[0])
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Transport.ListenAddr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Store.UnlockTimeout)
			defer cancel()

			h, store, sess, err := unlockHost(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			link, err := quic.DialLink(ctx, addr)
			if err != nil {
				return err
			}
			defer link.Close()

			var peerKey []byte
			if peerHex != "" {
				if peerKey, err = hex.DecodeString(peerHex); err != nil {
					return fmt.Errorf("invalid --peer-key: %w", err)
				}
			} else if peerKey, err = link.PeerKey(ctx); err != nil {
				return err
			}

			if err := h.Pair(ctx, sess, id, peerKey, link, keylink.PairOptions{Repair: repair}); err != nil {
				return err
			}
			hostKey, err := h.HostKey(sess, id)
			if err != nil {
				return err
			}
			fmt.Printf("Paired %s.\nHost key: %s\n", id, hex.EncodeToString(hostKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "peripheral address (default from config)")
	cmd.Flags().StringVar(&peerHex, "peer-key", "", "peripheral compressed key in hex (default: read from the peripheral)")
	cmd.Flags().BoolVar(&repair, "repair", false, "replace existing key material")
	return cmd
}
