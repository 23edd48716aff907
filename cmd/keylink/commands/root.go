package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/TheusHen/keylink/keylink"
	"github.com/TheusHen/keylink/keylink/config"
	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/keystore"
	"github.com/TheusHen/keylink/keylink/logging"
	"github.com/TheusHen/keylink/keylink/transport"
)

var (
	home       string
	configPath string
	passphrase string

	cfg     config.Config
	logger  *slog.Logger
	metrics *transport.Metrics
)

func Execute() error {
	root := &cobra.Command{
		Use:          "keylink",
		Short:        "Pair with and type into keylink peripherals",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".keylink")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			c, err := config.Load(home, configPath)
			if err != nil {
				return err
			}
			cfg = c
			logger = logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			m, err := transport.NewMetrics(prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			metrics = m
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.keylink)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase that unlocks the key store")

	root.AddCommand(keygenCmd(), peripheralCmd(), pairCmd(), sendCmd(), devicesCmd())
	return root.Execute()
}

func storeOptions(c config.Config, log *slog.Logger) keystore.Options {
	return keystore.Options{
		Logger:        log,
		RPID:          c.Store.RPID,
		UnlockTimeout: c.Store.UnlockTimeout,
		KDF: crypto.KDFParams{
			Time:    c.Store.KDFTime,
			Memory:  c.Store.KDFMemoryKiB,
			Threads: c.Store.KDFThreads,
		},
		UnlockRate:   rate.Limit(c.Store.UnlockRate),
		UnlockBurst:  c.Store.UnlockBurst,
		DataShards:   c.Store.DataShards,
		ParityShards: c.Store.ParityShards,
	}
}

func transportOptions(c config.Config, log *slog.Logger) transport.Options {
	return transport.Options{
		MaxPacketSize: c.Transport.MaxPacketSize,
		SlowMode:      c.Transport.SlowMode,
		Logger:        log,
		Metrics:       metrics,
	}
}

// unlockHost opens the key store, unlocks it with the -p passphrase and
// returns a host over it. The caller closes the store.
func unlockHost(ctx context.Context) (*keylink.Host, *keystore.Store, *keystore.Session, error) {
	if passphrase == "" {
		return nil, nil, nil, fmt.Errorf("passphrase required (-p)")
	}
	store, err := keystore.Open(keystore.NewFileBackend(cfg.Store.Path), storeOptions(cfg, logger))
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := store.UnlockWithPassphrase(ctx, []byte(passphrase))
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	h := keylink.NewHost(store, keylink.Options{
		Transport: transportOptions(cfg, logger),
		Logger:    logger,
	})
	return h, store, sess, nil
}
