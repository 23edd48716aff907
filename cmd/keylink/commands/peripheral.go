package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/payload"
	"github.com/TheusHen/keylink/keylink/protocol"
	"github.com/TheusHen/keylink/keylink/transport"
	"github.com/TheusHen/keylink/keylink/transport/quic"
)

func peripheralCmd() *cobra.Command {
	var listen, metricsAddr string
	cmd := &cobra.Command{
		Use:   "peripheral",
		Short: "Run a simulated peripheral that prints what it receives",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = cfg.Transport.ListenAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := quic.NewPeripheral(quic.PeripheralOptions{
				Logger:    logger,
				Metrics:   metrics,
				OnMessage: printMessage,
			})
			if err != nil {
				return err
			}
			ln, err := quic.Listen(listen)
			if err != nil {
				return err
			}
			defer ln.Close()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Warn("metrics server stopped", "err", err)
					}
				}()
				defer srv.Close()
			}

			fmt.Printf("Listening on %s\n", ln.AddrString())
			fmt.Printf("Peripheral key: %s\n", hex.EncodeToString(p.PublicKey()))
			return p.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	return cmd
}

func printMessage(host identity.Fingerprint, m transport.Message) {
	if m.Kind != protocol.KindData {
		return
	}
	if mod, key, err := payload.ParseKeycode(m.Data); err == nil {
		fmt.Printf("[%s] key 0x%02x modifier 0x%02x\n", host, key, byte(mod))
		return
	}
	if u, err := payload.ParseConsumer(m.Data); err == nil {
		fmt.Printf("[%s] consumer usage 0x%02x\n", host, uint16(u))
		return
	}
	if name, err := payload.ParseRename(m.Data); err == nil {
		fmt.Printf("[%s] rename to %s\n", host, strconv.Quote(name))
		return
	}
	fmt.Printf("[%s] %s\n", host, strconv.Quote(string(m.Data)))
}
