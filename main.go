package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drio/wghandshake/config"
	"github.com/drio/wghandshake/conn"
	"github.com/drio/wghandshake/device"
	"github.com/drio/wghandshake/noise"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wghandshake",
		Short: "WireGuard handshake daemon",
		Long: `Runs the WireGuard Noise_IKpsk2 handshake over UDP.

Completed handshakes produce transport keys that are handed to a transport
layer; this daemon logs them and keeps initiator sessions fresh.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newGenkeyCommand(), newGenpskCommand(), newPubkeyCommand(), newUpCommand())
	return cmd
}

func newGenkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := noise.GenerateKeyPair(rand.Reader)
			if err != nil {
				return err
			}
			defer kp.Zero()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), kp.Private.String())
			return err
		},
	}
}

func newGenpskCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genpsk",
		Short: "Generate a new preshared key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var psk noise.PresharedKey
			if _, err := io.ReadFull(rand.Reader, psk[:]); err != nil {
				return err
			}
			defer psk.Zero()
			_, err := fmt.Fprintln(cmd.OutOrStdout(), psk.String())
			return err
		},
	}
}

func newPubkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "pubkey",
		Short:   "Derive a public key from a private key on stdin",
		Example: `  wghandshake genkey | tee private.key | wghandshake pubkey`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1024))
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			sk, err := noise.ParsePrivateKey(strings.TrimSpace(string(in)))
			noise.ZeroBytes(in)
			if err != nil {
				return err
			}
			defer sk.Zero()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sk.PublicKey().String())
			return err
		},
	}
}

type upOptions struct {
	ConfigFile  string
	MetricsAddr string
	Initiate    bool
}

func newUpCommand() *cobra.Command {
	var opts upOptions

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run the handshake daemon",
		Example: `  # Answer handshakes only
  wghandshake up -c wg0.toml

  # Initiate to every peer with an endpoint and expose metrics
  wghandshake up -c wg0.toml --initiate --metrics 127.0.0.1:9586`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runUp(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.Initiate, "initiate", false, "initiate handshakes to peers with an endpoint")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runUp(ctx context.Context, opts upOptions) error {
	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	defer cfg.Zero()

	logger := logrus.New()
	if cfg.Interface.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	dc, err := cfg.DeviceConfig(log)
	if err != nil {
		return err
	}
	defer dc.Zero()
	reg := prometheus.NewRegistry()
	dc.Metrics = device.NewMetrics(reg)

	udp, err := conn.Listen(cfg.Interface.ListenPort, log)
	if err != nil {
		return err
	}
	dev, err := device.New(udp, dc)
	if err != nil {
		_ = udp.Close()
		return err
	}
	defer dev.Close()

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           device.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer srv.Close()
		log.WithField("addr", opts.MetricsAddr).Info("Serving metrics")
	}

	go dev.Run()

	var initiators []noise.PublicKey
	for _, pc := range dc.Peers {
		if opts.Initiate && pc.Endpoint.IsValid() {
			initiators = append(initiators, pc.PublicKey)
		}
	}
	for _, peer := range initiators {
		if err := dev.Initiate(peer); err != nil {
			log.WithError(err).WithField("peer", peer.String()).Warn("Failed to initiate handshake")
		}
	}

	return superviseSessions(ctx, dev, initiators, log)
}

// superviseSessions keeps the newest session per peer, wipes the ones it
// replaces and re-initiates when an initiator session ages out.
func superviseSessions(ctx context.Context, dev *device.Device, initiators []noise.PublicKey, log *logrus.Entry) error {
	sessions := make(map[noise.PublicKey]device.Session)
	defer func() {
		for _, s := range sessions {
			s.Keys.Zero()
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case s := <-dev.Sessions():
			if old, ok := sessions[s.Keys.Peer]; ok {
				old.Keys.Zero()
			}
			sessions[s.Keys.Peer] = s
			log.WithFields(logrus.Fields{
				"peer":     s.Keys.Peer.String(),
				"endpoint": s.Endpoint.String(),
				"local":    s.Keys.LocalIndex,
				"remote":   s.Keys.RemoteIndex,
			}).Info("Transport keys ready")

		case now := <-ticker.C:
			for peer, s := range sessions {
				if s.Expired(now) {
					s.Keys.Zero()
					delete(sessions, peer)
					log.WithField("peer", peer.String()).Info("Session expired")
				}
			}
			for _, peer := range initiators {
				s, ok := sessions[peer]
				if ok && !s.NeedsRekey(now) {
					continue
				}
				if err := dev.Initiate(peer); err != nil {
					log.WithError(err).WithField("peer", peer.String()).Debug("Rekey initiation failed")
				}
			}

		case <-ctx.Done():
			log.Info("Shutting down")
			return nil

		case <-dev.Done():
			return nil
		}
	}
}
