package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"go.uber.org/multierr"

	"ledger-sync/internal/balance"
	"ledger-sync/internal/cooldown"
	"ledger-sync/internal/events"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
	"ledger-sync/internal/order"
	"ledger-sync/internal/persistence"
	"ledger-sync/internal/position"
	"ledger-sync/internal/reconciliation"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/config"
	"ledger-sync/pkg/db"
	"ledger-sync/pkg/exchanges/binance/futures_usdt"
)

const (
	auditBatchSize     = 50
	auditFlushInterval = 2 * time.Second
)

// app holds the components shared by every command that touches the ledger.
type app struct {
	cfg        *config.Config
	store      *db.Database
	metrics    *monitor.SystemMetrics
	redis      *redis.Client
	notifier   *notify.Notifier
	cooldowns  *cooldown.Manager
	prices     *cache.MarkPriceCache
	balances   *balance.Manager
	client     *futures_usdt.Client
	dispatcher *events.Dispatcher
	sync       *order.SyncHandler
	positions  *position.Manager
	writer     *persistence.BatchWriter
	reconciler *reconciliation.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: monitor.NewSystemMetrics()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close())
		}
	}()

	if a.store, err = db.New(cfg.DBPath); err != nil {
		return nil, err
	}
	if err = db.ApplyMigrations(a.store); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	var sink notify.Sink = notify.LogSink{}
	var cooldownOpts []cooldown.Option
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		sink = notify.MultiSink{notify.LogSink{}, notify.NewRedisSink(a.redis, cfg.NotifyChannel)}
		cooldownOpts = append(cooldownOpts, cooldown.WithPersister(cooldown.NewRedisPersister(a.redis, "")))
	}
	t := cfg.Tuning
	a.notifier = notify.New(sink, t.Notify.QueueSize, t.Notify.Workers, a.metrics)

	a.cooldowns = cooldown.NewManager(cooldown.Durations{
		Symbol:    t.Cooldown.Symbol,
		Trader:    t.Cooldown.Trader,
		PostMerge: t.Cooldown.PostMerge,
	}, cooldownOpts...)
	if a.redis != nil {
		n, rerr := a.cooldowns.Restore(ctx)
		if rerr != nil {
			logx.Errorf("cli: cooldown restore err=%v", rerr)
		} else {
			logx.Infof("cli: restored %d cooldowns", n)
		}
	}

	exCfg := futures_usdt.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}
	a.client = futures_usdt.NewClient(exCfg)
	a.prices = cache.NewMarkPriceCache()
	a.balances = balance.NewManager()

	a.dispatcher = events.NewDispatcher(a.metrics)
	a.sync = order.NewSyncHandler(a.store, order.SyncConfig{
		FallbackWindow:       t.Sync.FallbackWindow,
		FallbackLimit:        t.Sync.FallbackLimit,
		MarkPriceMinInterval: t.Sync.MarkPriceMinInterval,
	}, order.Deps{
		Balances: a.balances,
		Prices:   a.prices,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	})
	a.positions, err = position.NewManager(a.store, position.Config{
		CacheTTL:      t.Position.CacheTTL,
		FailurePolicy: position.FailurePolicy(cfg.ConflictFailurePolicy),
	}, position.Deps{
		Cooldowns: a.cooldowns,
		Prices:    a.prices,
		Notifier:  a.notifier,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.sync.SetPositions(a.positions)
	a.sync.Register(a.dispatcher)

	a.writer = persistence.NewBatchWriter(a.store.DB, auditBatchSize, auditFlushInterval)
	r := t.Reconciliation
	var queryInterval time.Duration
	if r.RequestsPerSecond > 0 {
		queryInterval = time.Duration(float64(time.Second) / r.RequestsPerSecond)
	}
	a.reconciler = reconciliation.NewEngine(a.store, reconciliation.NewFuturesHistory(a.client), reconciliation.Config{
		Strict:        reconciliation.Tolerance{Open: r.OpenTolerance, Close: r.CloseTolerance},
		Relaxed:       reconciliation.Tolerance{Open: r.RelaxedOpenTolerance, Close: r.RelaxedCloseTolerance},
		Materiality:   r.MaterialityThreshold,
		WindowPadding: r.WindowPadding,
		QueryInterval: queryInterval,
	}, reconciliation.Deps{
		Funding:  futures_usdt.NewFundingLedger(exCfg),
		Auditor:  reconciliation.NewAuditLog(a.writer),
		Notifier: a.notifier,
		Metrics:  a.metrics,
	})
	return a, nil
}

// close flushes and releases everything newApp opened, in reverse order.
func (a *app) close() error {
	var err error
	if a.writer != nil {
		err = multierr.Append(err, a.writer.Close())
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.cooldowns != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.cooldowns.Close(ctx))
		cancel()
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}
