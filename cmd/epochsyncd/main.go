package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"epochsync/core"
	"epochsync/core/config"
	"epochsync/net"
	"epochsync/net/chainsync"
	"epochsync/observability"
)

const handshakeTimeout = 30 * time.Second

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "epochsyncd:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "epochsyncd",
		Short:         "Follow a Cardano relay's headers and keep the epoch nonce chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "TOML config file")
	flags.String("db", "", "chain index directory (overrides db_path)")
	flags.Uint32("network-magic", 0, "network magic (overrides network_magic)")

	root.AddCommand(syncCommand(), statusCommand(), validateCommand(), nonceCommand(), verifyCommand())
	return root
}

func syncCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sync",
		Short: "Sync headers from a peer into the chain index",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}
	c.Flags().String("peer", "", "peer multiaddr, e.g. /dns4/relay/tcp/3001 (overrides peer)")
	return c
}

// loadConfig reads --config when given, applies flag overrides and
// validates the result.
func loadConfig(c *cobra.Command) (config.Config, error) {
	flags := c.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("network-magic") {
		cfg.NetworkMagic, _ = flags.GetUint32("network-magic")
	}
	if flags.Lookup("peer") != nil && flags.Changed("peer") {
		cfg.Peer, _ = flags.GetString("peer")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openIndex(cfg config.Config) (*core.ChainIndex, error) {
	network, err := cfg.Network()
	if err != nil {
		return nil, err
	}
	return core.Open(cfg.DBPath, network,
		core.WithBatchSize(cfg.BatchSize),
		core.WithFlushInterval(cfg.FlushInterval.Duration),
		core.WithLogger(observability.Component("chainindex")),
	)
}

func runSync(c *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Peer == "" {
		return errors.New("no peer configured: set peer in the config file or pass --peer")
	}
	logger := observability.InitLogger("epochsyncd", cfg.LogLevel)
	network, err := cfg.Network()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := index.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("closing chain index")
			err = errors.Join(err, cerr)
		}
	}()

	logger.Info().
		Str("network", network.Name).
		Str("peer", cfg.Peer).
		Str("db", cfg.DBPath).
		Msg("starting chain-sync")

	node, err := net.Dial(ctx, cfg.Peer, network.Magic, observability.Component("net"))
	if err != nil {
		return err
	}
	defer node.Close()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	_, err = node.Handshake(hsCtx)
	cancel()
	if err != nil {
		return err
	}

	client := chainsync.NewClient(index, network, chainsync.WithLogger(observability.Component("chainsync")))
	err = node.RunChainSync(ctx, client)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutting down")
		return nil
	}
	return err
}

// serveMetrics exposes the default registry on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	context.AfterFunc(ctx, func() { srv.Close() })
	logger.Info().Str("addr", addr).Msg("serving metrics")
}
