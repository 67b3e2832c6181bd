// rendezvousd -- UDP rendezvous relay for NAT hole-punching peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quietmesh/rendezvousd/internal/config"
	"github.com/quietmesh/rendezvousd/internal/daemon"
	"github.com/quietmesh/rendezvousd/internal/metrics"
	"github.com/quietmesh/rendezvousd/internal/netio"
	"github.com/quietmesh/rendezvousd/internal/relay"
	appversion "github.com/quietmesh/rendezvousd/internal/version"
)

// Exit codes.
const (
	exitClean            = 0
	exitBindFailure      = 49
	exitDaemonizeFailure = 128
)

// socketBufferSize is the SO_RCVBUF/SO_SNDBUF size applied to the relay's
// UDP socket (internal/netio.TuneBuffers).
const socketBufferSize = 4 << 20 // 4 MiB

var (
	flagVerbose      bool
	flagDaemonize    bool
	flagTimeoutWait  int
	flagTimeoutIdle  int
	flagTimeoutPair  int
	flagTimeoutInact int
	flagPresharedKey string
	flagConfigPath   string
	flagLogFormat    string
	flagMetricsAddr  string
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := exitClean
	cmd := newRootCommand(&exitCode)
	if err := cmd.Execute(); err != nil {
		if exitCode == exitClean {
			exitCode = 1
		}
	}
	return exitCode
}

func newRootCommand(exitCode *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendezvousd <udp_port> [bind_ip]",
		Short: "UDP rendezvous relay for NAT hole-punching peers",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runDaemon(cmd, args)
			*exitCode = code
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "emit human-readable trace at debug level")
	cmd.Flags().BoolVar(&flagDaemonize, "daemonize", false, "detach from controlling terminal before starting")
	cmd.Flags().IntVar(&flagTimeoutWait, "timeout-socket-wait", 25, "socket wait timeout, seconds (validated only; the event loop uses a fixed 200ms receive deadline)")
	cmd.Flags().IntVar(&flagTimeoutIdle, "timeout-no-connections", 300, "exit after this long fully idle, seconds")
	cmd.Flags().IntVar(&flagTimeoutPair, "timeout-pairing", 90, "pending-pairing expiry, seconds")
	cmd.Flags().IntVar(&flagTimeoutInact, "timeout-connection-inactivities", 180, "bilateral-silence session expiry, seconds")
	cmd.Flags().StringVar(&flagPresharedKey, "preshared-key", "", "preshared key authenticating pairing frames")
	cmd.Flags().StringVar(&flagConfigPath, "config", "", "path to configuration file (YAML)")
	cmd.Flags().StringVar(&flagLogFormat, "log-format", "", "log output format: text or json")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")

	return cmd
}

// runDaemon builds the configuration, optionally daemonizes, and runs the
// relay until shutdown. It returns the process exit code alongside any
// error to log.
func runDaemon(cmd *cobra.Command, args []string) (int, error) {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return 1, fmt.Errorf("build config: %w", err)
	}

	if cfg.Daemonize {
		if err := daemon.Daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonization failed: %v\n", err)
			return exitDaemonizeFailure, err
		}
	}

	logger := newLogger(cfg)
	instanceID := uuid.New().String()[:8]

	logger.Info("rendezvousd starting",
		slog.String("version", appversion.Version),
		slog.String("instance", instanceID),
		slog.String("bind_ip", cfg.BindIP),
		slog.Int("port", int(cfg.Port)),
	)

	bindAddr, err := cfg.BindAddrPort()
	if err != nil {
		logger.Error("invalid bind address", slog.String("error", err.Error()))
		return exitBindFailure, err
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bindAddr))
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to bind %s:%d", cfg.BindIP, cfg.Port),
			slog.String("error", err.Error()))
		return exitBindFailure, err
	}
	defer conn.Close()

	if err := netio.TuneBuffers(conn, socketBufferSize); err != nil {
		logger.Warn("failed to tune socket buffers", slog.String("error", err.Error()))
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	mgr := relay.NewManager([]byte(cfg.PresharedKey))
	loop := relay.NewLoop(conn, mgr, logger, collector)
	loop.PairingTimeout = cfg.TimeoutPairing
	loop.InactivityTimeout = cfg.TimeoutConnectionInactivities
	loop.NoConnectionsDelay = cfg.TimeoutNoConnections

	if err := runUntilShutdown(cfg, mgr, loop, collector, reg, logger); err != nil {
		logger.Error("rendezvousd exited with error", slog.String("error", err.Error()))
		return 1, err
	}

	logger.Info("rendezvousd stopped")
	return exitClean, nil
}

// runUntilShutdown drives the event loop (and, if configured, the metrics
// HTTP server) under a signal-aware context, mirroring the
// build-everything/run-until-shutdown split of a larger multi-server daemon
// even though the relay itself runs only one goroutine of consequence.
func runUntilShutdown(
	cfg *config.Config,
	mgr *relay.Manager,
	loop *relay.Loop,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The loop returning, on idle shutdown as well as on error, stops
		// the stats publisher and the metrics server too.
		defer cancel()
		return loop.Run(gCtx)
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			return listenAndServe(gCtx, metricsSrv, logger)
		})
	}

	g.Go(func() error {
		return publishStats(gCtx, mgr, collector)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return nil
}

// publishStats periodically mirrors the manager's table sizes into the
// metrics collector until ctx is cancelled.
func publishStats(ctx context.Context, mgr *relay.Manager, collector *metrics.Collector) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := mgr.Snapshot()
			collector.SetTableSizes(stats.PendingPairings, stats.Sessions)
		}
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := config.LevelFor(cfg.Verbose)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// buildConfig layers defaults, an optional YAML file, environment
// variables, and the parsed CLI flags/positionals, in that order, then
// validates the result.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid udp_port %q: %w", args[0], err)
	}
	cfg.Port = uint16(port)

	if len(args) > 1 {
		cfg.BindIP = args[1]
	}

	applyFlagOverrides(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFlagOverrides overlays explicitly-set CLI flags on top of the
// defaults/file/env-derived config: flags always win, but only the flags
// the user actually passed — Changed distinguishes "set to the default
// value" from "not set at all".
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("verbose") {
		cfg.Verbose = flagVerbose
	}
	if flags.Changed("daemonize") {
		cfg.Daemonize = flagDaemonize
	}
	if flags.Changed("timeout-socket-wait") {
		cfg.TimeoutSocketWait = time.Duration(flagTimeoutWait) * time.Second
	}
	if flags.Changed("timeout-no-connections") {
		cfg.TimeoutNoConnections = time.Duration(flagTimeoutIdle) * time.Second
	}
	if flags.Changed("timeout-pairing") {
		cfg.TimeoutPairing = time.Duration(flagTimeoutPair) * time.Second
	}
	if flags.Changed("timeout-connection-inactivities") {
		cfg.TimeoutConnectionInactivities = time.Duration(flagTimeoutInact) * time.Second
	}
	if flags.Changed("preshared-key") {
		cfg.PresharedKey = flagPresharedKey
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = flagLogFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = flagMetricsAddr
	}
}
