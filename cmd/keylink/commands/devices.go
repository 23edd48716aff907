package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/keylink/keylink/identity"
)

func devicesCmd() *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List paired devices, or remove one with --remove",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, store, sess, err := unlockHost(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if remove != "" {
				id, err := identity.ParseDeviceID(remove)
				if err != nil {
					return err
				}
				if err := h.Forget(cmd.Context(), sess, id); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", id)
				return nil
			}

			ids, err := store.Devices(sess)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No paired devices.")
				return nil
			}
			for _, id := range ids {
				hostKey, err := h.HostKey(sess, id)
				if err != nil {
					fmt.Printf("%s\t(incomplete)\n", id)
					continue
				}
				fmt.Printf("%s\thost key %s\n", id, hex.EncodeToString(hostKey))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "device id to forget")
	return cmd
}
