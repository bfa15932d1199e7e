package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	postbox "github.com/glimte/postbox-go"
	"github.com/glimte/postbox-go/config"
	"github.com/glimte/postbox-go/health"
	"github.com/glimte/postbox-go/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postbox",
		Short: "Run and talk to postbox nodes",
		Long: `Postbox moves letters between nodes over TCP with handshakes,
acknowledgments, heartbeats and automatic reconnects.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./postbox.yaml)")

	// Serve command
	var httpAddr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, httpAddr)
		},
	}
	serveCmd.Flags().StringVar(&httpAddr, "http", ":9090", "Address for /metrics, /health, /ready and /live")

	// Send command
	var (
		timeout time.Duration
		ack     bool
	)
	sendCmd := &cobra.Command{
		Use:   "send <host:port> <part>...",
		Short: "Send one letter to a node and wait until it is written",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Listen, cfg.Connect = nil, nil

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			parts := make([][]byte, 0, len(args)-1)
			for _, a := range args[1:] {
				parts = append(parts, []byte(a))
			}
			return send(ctx, cfg, args[0], parts, ack)
		},
	}
	sendCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Give up after this long")
	sendCmd.Flags().BoolVar(&ack, "ack", true, "Ask the receiver to acknowledge the letter")

	rootCmd.AddCommand(serveCmd, sendCmd)
	return rootCmd
}

func serve(ctx context.Context, cfg *config.Config, httpAddr string) error {
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	metrics := monitor.NewMetricsCollector()
	sock, err := cfg.Open(
		postbox.WithEventListener(metrics),
		postbox.WithEventListener(postbox.EventFuncs{
			Received: func(b postbox.Binding, l *postbox.Letter) {
				logger.Info("letter received",
					"binding", b.String(),
					"id", l.ID,
					"parts", len(l.Parts),
					"bytes", l.Size())
			},
		}),
	)
	if err != nil {
		return err
	}

	metricsHandler, err := monitor.Handler(metrics)
	if err != nil {
		_ = sock.Close()
		return err
	}

	peers, err := parseBindings(cfg.Connect)
	if err != nil {
		_ = sock.Close()
		return err
	}

	mon := health.NewMonitor(
		health.NewSocketChecker(sock),
		health.NewRuntimeChecker(5000, 20000),
		health.Func("peers", func(context.Context) (string, error) {
			return checkPeers(sock.Channels(), peers)
		}),
	)
	mon.Label("node_id", sock.NodeID().String())
	mon.Label("version", version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mon.Mount(mux, 5*time.Second)

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("node started",
		"node_id", sock.NodeID(),
		"listen", cfg.Listen,
		"connect", cfg.Connect,
		"http", httpAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("node stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+time.Second)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		sockErr := sock.Close()
		return multierr.Combine(httpErr, sockErr)
	})

	return g.Wait()
}

func parseBindings(addrs []string) ([]postbox.Binding, error) {
	bindings := make([]postbox.Binding, 0, len(addrs))
	for _, addr := range addrs {
		b, err := config.ParseBinding(addr)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// checkPeers fails unless every configured peer has an initialized channel
func checkPeers(channels []postbox.ChannelInfo, peers []postbox.Binding) (string, error) {
	up := make(map[postbox.Binding]bool, len(channels))
	for _, info := range channels {
		if info.State == postbox.StateInitialized {
			up[info.Binding] = true
		}
	}

	var err error
	for _, b := range peers {
		if !up[b] {
			err = multierr.Append(err, fmt.Errorf("peer %s is not initialized", b))
		}
	}
	return fmt.Sprintf("%d of %d peers initialized", len(peers)-len(multierr.Errors(err)), len(peers)), err
}

func send(ctx context.Context, cfg *config.Config, addr string, parts [][]byte, ack bool) error {
	target, err := config.ParseBinding(addr)
	if err != nil {
		return err
	}

	ready := make(chan uuid.UUID, 1)
	sent := make(chan struct{}, 1)
	sock, err := cfg.Open(postbox.WithEventListener(postbox.EventFuncs{
		Initialized: func(_ postbox.Binding, remote uuid.UUID) {
			select {
			case ready <- remote:
			default:
			}
		},
		Sent: func(postbox.Binding, *postbox.Letter) {
			select {
			case sent <- struct{}{}:
			default:
			}
		},
	}))
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Connect(target.Address, target.Port); err != nil {
		return err
	}

	var remote uuid.UUID
	select {
	case remote = <-ready:
	case <-ctx.Done():
		return fmt.Errorf("handshake with %s: %w", target, ctx.Err())
	}

	letter := postbox.NewLetter(parts...)
	if ack {
		letter.Options |= postbox.OptionAck
	}
	if err := sock.Send(letter); err != nil {
		return err
	}

	select {
	case <-sent:
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", target, ctx.Err())
	}

	slog.Info("letter sent", "to", target.String(), "node_id", remote, "id", letter.ID)
	return nil
}
