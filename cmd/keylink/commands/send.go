package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/payload"
	"github.com/TheusHen/keylink/keylink/transport/quic"
)

var arrowKeys = map[string]byte{
	"up":    payload.KeyUp,
	"down":  payload.KeyDown,
	"left":  payload.KeyLeft,
	"right": payload.KeyRight,
}

var modifiers = map[string]payload.Modifier{
	"":      payload.ModNone,
	"ctrl":  payload.ModCtrl,
	"shift": payload.ModShift,
	"alt":   payload.ModAlt,
	"gui":   payload.ModGUI,
}

// send <device-id> [text]: connect, authenticate and send text or a key.
func sendCmd() *cobra.Command {
	var (
		addr string
		key  string
		mod  string
		slow bool
	)
	cmd := &cobra.Command{
		Use:   "send <device-id> [text]",
		Short: "Send text or a key press to a paired peripheral",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseDeviceID(args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 && key == "" {
				return fmt.Errorf("nothing to send: give text or --key")
			}
			m, ok := modifiers[strings.ToLower(mod)]
			if !ok {
				return fmt.Errorf("unknown modifier %q", mod)
			}
			if addr == "" {
				addr = cfg.Transport.ListenAddr
			}
			if slow {
				cfg.Transport.SlowMode = true
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
			if err := h.Connect(ctx, sess, id, link); err != nil {
				return err
			}
			defer h.Close(context.Background())

			if len(args) == 2 {
				if err := h.SendText(ctx, id, args[1]); err != nil {
					return err
				}
			}
			if key != "" {
				code, err := parseKey(key)
				if err != nil {
					return err
				}
				if err := h.SendKeycode(ctx, id, m, code); err != nil {
					return err
				}
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "peripheral address (default from config)")
	cmd.Flags().StringVar(&key, "key", "", "key to press: up, down, left, right or a single character")
	cmd.Flags().StringVar(&mod, "mod", "", "modifier held with --key: ctrl, shift, alt or gui")
	cmd.Flags().BoolVar(&slow, "slow", false, "ask the peripheral to pace packets")
	return cmd
}

func parseKey(s string) (byte, error) {
	if k, ok := arrowKeys[strings.ToLower(s)]; ok {
		return k, nil
	}
	if len(s) == 1 {
		return s[0], nil
	}
	return 0, fmt.Errorf("unknown key %q", s)
}
