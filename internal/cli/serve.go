package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/multierr"

	"ledger-sync/internal/api"
	"ledger-sync/internal/events"
	"ledger-sync/internal/reconciliation"
	"ledger-sync/internal/stream"
	"ledger-sync/pkg/config"
)

const (
	futuresWSProduction = "wss://fstream.binance.com"
	futuresWSTestnet    = "wss://stream.binancefuture.com"

	shutdownTimeout    = 10 * time.Second
	priceSweepInterval = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stream the account into the ledger and serve the admin API",
	Long: `Opens the private user-data stream and the public mark price streams,
applies every event to the ledger, runs the cooldown sweeper and the periodic
reconciliation, and serves the admin API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.close()) }()

	t := cfg.Tuning
	threading.GoSafe(func() { a.client.Clock().Run(ctx) })
	threading.GoSafe(func() { a.cooldowns.Run(ctx, t.Cooldown.CleanupInterval) })
	threading.GoSafe(func() { a.prices.Run(ctx, priceSweepInterval, t.Sync.MarkPriceMaxAge) })

	keys := stream.NewListenKeyManager(a.client, stream.ListenKeyConfig{
		TTL:                t.ListenKey.TTL,
		RefreshBefore:      t.ListenKey.RefreshBefore,
		MaxAcquireFailures: t.ListenKey.MaxAcquireFailures,
		RequestTimeout:     t.ListenKey.RequestTimeout,
	}, stream.WithListenKeyNotifier(a.notifier))

	base := futuresWSProduction
	if cfg.BinanceTestnet {
		base = futuresWSTestnet
	}
	user := stream.NewConnection(streamConfig("user", base+"/ws", nil, t.Stream), keys, a.dispatcher, a.notifier, a.metrics)
	market := stream.NewConnection(streamConfig("market", base+"/stream", marketStreams(cfg.MarketSymbols), t.Stream), nil, a.dispatcher, a.notifier, a.metrics)
	a.dispatcher.Register(events.KindListenKeyExpired, "listen-key", user.HandleListenKeyExpired)

	if err := user.Start(ctx); err != nil {
		return err
	}
	conns := []*stream.Connection{user}
	if len(cfg.MarketSymbols) > 0 {
		if err := market.Start(ctx); err != nil {
			return multierr.Append(err, stopStreams(user))
		}
		conns = append(conns, market)
	}
	defer func() { err = multierr.Append(err, stopStreams(conns...)) }()

	a.reconciler.Start(ctx, t.Reconciliation.Interval, reconciliation.Options{Lookback: t.Reconciliation.Lookback})

	srv := api.NewServer(api.Config{JWTSecret: cfg.JWTSecret})
	for _, c := range conns {
		srv.Streams = append(srv.Streams, c)
	}
	srv.Positions = a.positions
	srv.Balances = a.balances
	srv.Prices = a.prices
	srv.Cooldowns = a.cooldowns
	srv.Reconciler = a.reconciler
	srv.Ledger = a.store
	srv.Metrics = a.metrics
	srv.Venue = a.client
	srv.Notifier = a.notifier
	srv.Version = version

	apiErr := make(chan error, 1)
	threading.GoSafe(func() { apiErr <- srv.Start(ctx, ":"+cfg.Port) })

	select {
	case <-ctx.Done():
		logx.Info("cli: shutting down")
	case err := <-apiErr:
		stop()
		return fmt.Errorf("api server: %w", err)
	case <-user.Done():
		if fatal := user.Fatal(); fatal != nil && cfg.ExitOnStreamFatal {
			stop()
			return multierr.Append(fmt.Errorf("user stream: %w", fatal), <-apiErr)
		}
		<-ctx.Done()
	}
	stop()
	return <-apiErr
}

func streamConfig(name, url string, streams []string, t config.StreamTuning) stream.Config {
	return stream.Config{
		Name:                 name,
		URL:                  url,
		Streams:              streams,
		PingInterval:         t.PingInterval,
		PongTimeout:          t.PongTimeout,
		HandshakeTimeout:     t.HandshakeTimeout,
		MaxConsecutiveErrors: t.MaxConsecutiveErrors,
		MaxMessagesPerSecond: t.MaxMessagesPerSecond,
		BackoffInitial:       t.BackoffInitial,
		BackoffMax:           t.BackoffMax,
		BackoffMultiplier:    t.BackoffMultiplier,
	}
}

// marketStreams subscribes mark price and last price for every symbol.
func marketStreams(symbols []string) []string {
	out := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(s)
		out = append(out, s+"@markPrice", s+"@miniTicker")
	}
	return out
}

func stopStreams(conns ...*stream.Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Stop(ctx))
	}
	return err
}
