package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/time/rate"

	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
	"ledger-sync/pkg/db"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("reconciliation already running")

// Store is the ledger surface reconciliation reads and corrects.
type Store interface {
	ListClosedTrades(ctx context.Context, traderID string, since time.Time) ([]db.Trade, error)
	UpdateReconciledPnL(ctx context.Context, id string, pnl float64, closeID string, at time.Time) error
}

// Config tunes matching and pacing.
type Config struct {
	Strict      Tolerance
	Relaxed     Tolerance
	Materiality float64
	// WindowPadding widens the history query around a trade's lifetime; never
	// narrower than the relaxed tolerances.
	WindowPadding time.Duration
	// QueryInterval is the minimum gap between history requests.
	QueryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strict == (Tolerance{}) {
		c.Strict = StrictTolerance
	}
	if c.Relaxed == (Tolerance{}) {
		c.Relaxed = RelaxedTolerance
	}
	if c.Materiality <= 0 {
		c.Materiality = 0.01
	}
	if c.WindowPadding < 0 {
		c.WindowPadding = 0
	}
	if c.QueryInterval < 0 {
		c.QueryInterval = 0
	}
	return c
}

// Options select the trades of one run.
type Options struct {
	Lookback time.Duration
	DryRun   bool
	TraderID string
}

// Correction is one stored pnl replaced by the venue-derived value.
type Correction struct {
	TradeID string  `json:"trade_id"`
	CloseID string  `json:"close_id"`
	OldPnL  float64 `json:"old_pnl"`
	NewPnL  float64 `json:"new_pnl"`
	Relaxed bool    `json:"relaxed"`
}

// Report summarises one run.
type Report struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Lookback    time.Duration `json:"lookback"`
	DryRun      bool          `json:"dry_run"`
	Examined    int           `json:"examined"`
	Matched     int           `json:"matched"`
	Relaxed     int           `json:"relaxed"`
	Updated     int           `json:"updated"`
	Unmatched   int           `json:"unmatched"`
	Failed      int           `json:"failed"`
	Corrections []Correction  `json:"corrections,omitempty"`
}

// Engine corrects stored realized pnl of closed trades from venue position history.
type Engine struct {
	store    Store
	history  History
	funding  Funding
	cfg      Config
	auditor  Auditor
	notifier *notify.Notifier
	metrics  *monitor.SystemMetrics
	limiter  *rate.Limiter
	now      func() time.Time

	running sync.Mutex
}

// Deps are the optional collaborators of an Engine.
type Deps struct {
	Funding  Funding
	Auditor  Auditor
	Notifier *notify.Notifier
	Metrics  *monitor.SystemMetrics
	Now      func() time.Time
}

func NewEngine(store Store, history History, cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.QueryInterval > 0 {
		limit = rate.Every(cfg.QueryInterval)
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:    store,
		history:  history,
		funding:  deps.Funding,
		cfg:      cfg,
		auditor:  deps.Auditor,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		limiter:  rate.NewLimiter(limit, 1),
		now:      deps.Now,
	}
}

// Run examines every CLOSED trade closed within the lookback. Runs never overlap; a
// close id is matched to at most one trade. Per-trade failures are counted, not
// returned.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	if !e.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.running.Unlock()

	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	log := logx.WithContext(ctx)
	rep := &Report{
		RunID:     ulid.Make().String(),
		StartedAt: e.now(),
		Lookback:  opts.Lookback,
		DryRun:    opts.DryRun,
	}

	trades, err := e.store.ListClosedTrades(ctx, opts.TraderID, rep.StartedAt.Add(-opts.Lookback))
	if err != nil {
		return nil, fmt.Errorf("reconcile: list closed trades: %w", err)
	}

	// A close id already attached to a trade stays with it.
	claimed := make(map[string]string, len(trades))
	for _, t := range trades {
		if t.ReconciledCloseID != "" {
			claimed[t.ReconciledCloseID] = t.ID
		}
	}

	for i := range trades {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := &trades[i]
		rep.Examined++
		if err := e.reconcileTrade(ctx, t, claimed, rep); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rep.Failed++
			log.Errorf("reconcile: trade=%s symbol=%s err=%v", t.ID, t.Symbol, err)
		}
	}

	rep.FinishedAt = e.now()
	e.finish(ctx, rep)
	return rep, nil
}

func (e *Engine) reconcileTrade(ctx context.Context, t *db.Trade, claimed map[string]string, rep *Report) error {
	if t.ClosedAt.IsZero() {
		rep.Unmatched++
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	start := t.CreatedAt.Add(-max(e.cfg.WindowPadding, e.cfg.Relaxed.Open))
	end := t.ClosedAt.Add(max(e.cfg.WindowPadding, e.cfg.Relaxed.Close))
	records, err := e.history.PositionHistory(ctx, t.Symbol, start, end)
	if err != nil {
		return fmt.Errorf("position history: %w", err)
	}

	usable := func(closeID string) bool {
		owner, ok := claimed[closeID]
		return !ok || owner == t.ID
	}
	rec, ok := bestMatch(t, records, e.cfg.Strict, usable)
	relaxed := false
	if !ok {
		rec, ok = bestMatch(t, records, e.cfg.Relaxed, usable)
		relaxed = ok
	}
	if !ok {
		rep.Unmatched++
		logx.WithContext(ctx).Infof("reconcile: no history match trade=%s symbol=%s candidates=%d", t.ID, t.Symbol, len(records))
		return nil
	}
	claimed[rec.CloseID] = t.ID
	rep.Matched++
	if relaxed {
		rep.Relaxed++
	}

	funding := rec.Funding
	if !rec.HasFunding && e.funding != nil {
		funding, err = e.funding.FundingBetween(ctx, t.Symbol, rec.OpenTime, rec.CloseTime)
		if err != nil {
			return fmt.Errorf("funding lookup: %w", err)
		}
	}
	derived := derivePnL(t.Side, rec, funding)
	if !material(t.RealizedPnL, derived, e.cfg.Materiality) {
		return nil
	}

	newPnL := derived.Round(8).InexactFloat64()
	if !rep.DryRun {
		if err := e.store.UpdateReconciledPnL(ctx, t.ID, newPnL, rec.CloseID, e.now()); err != nil {
			return err
		}
		rep.Updated++
	}
	rep.Corrections = append(rep.Corrections, Correction{
		TradeID: t.ID, CloseID: rec.CloseID, OldPnL: t.RealizedPnL, NewPnL: newPnL, Relaxed: relaxed,
	})
	logx.WithContext(ctx).Infof("reconcile: trade=%s close=%s pnl %v -> %v relaxed=%v dry_run=%v",
		t.ID, rec.CloseID, t.RealizedPnL, newPnL, relaxed, rep.DryRun)
	return nil
}

func (e *Engine) finish(ctx context.Context, rep *Report) {
	e.metrics.AddReconcile(rep.Updated, rep.Failed)
	logx.WithContext(ctx).Infof("reconcile: run=%s examined=%d matched=%d relaxed=%d updated=%d unmatched=%d failed=%d dry_run=%v took=%s",
		rep.RunID, rep.Examined, rep.Matched, rep.Relaxed, rep.Updated, rep.Unmatched, rep.Failed, rep.DryRun,
		rep.FinishedAt.Sub(rep.StartedAt))
	if e.auditor != nil {
		e.auditor.RecordRun(rep)
	}
	if rep.Failed > 0 {
		e.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Source:  "reconciliation",
			Title:   "Reconciliation failures",
			Message: fmt.Sprintf("run %s: %d of %d trades failed", rep.RunID, rep.Failed, rep.Examined),
		})
	}
}

// Start runs reconciliation every interval until ctx is done.
func (e *Engine) Start(ctx context.Context, interval time.Duration, opts Options) {
	if interval <= 0 {
		return
	}
	threading.GoSafe(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
					logx.Errorf("reconcile: periodic run err=%v", err)
				}
			}
		}
	})
	logx.Infof("reconcile: periodic run started interval=%s lookback=%s", interval, opts.Lookback)
}
