package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/balance"
	"ledger-sync/internal/cooldown"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
	"ledger-sync/internal/position"
	"ledger-sync/internal/reconciliation"
	"ledger-sync/internal/stream"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/db"
	"ledger-sync/pkg/exchanges/binance/futures_usdt"
)

// StreamStatus is a connection whose health is exposed.
type StreamStatus interface {
	Status() stream.Status
}

// Positions is the position manager surface of the API.
type Positions interface {
	Positions(ctx context.Context, traderID string) ([]position.Position, error)
	AdmitTrade(ctx context.Context, tradeID string) (position.Outcome, error)
	Replace(ctx context.Context, traderID, symbol string, side db.Side, newTradeID string) (position.Outcome, error)
}

// Cooldowns lists active cooldown entries.
type Cooldowns interface {
	Active(symbol, traderID string) []cooldown.Cooldown
}

// Reconciler runs an on-demand reconciliation.
type Reconciler interface {
	Run(ctx context.Context, opts reconciliation.Options) (*reconciliation.Report, error)
}

// Ledger is the read side of the trade store.
type Ledger interface {
	ListTradesByTrader(ctx context.Context, traderID string, limit int) ([]db.Trade, error)
	ListReconciliationRuns(ctx context.Context, limit int) ([]db.ReconciliationRun, error)
}

// Venue reports REST weight usage and clock offset of the exchange client.
type Venue interface {
	Status() futures_usdt.VenueStatus
}

// Config configures the admin server.
type Config struct {
	JWTSecret string
	RateLimit float64 // requests per second per IP
	RateBurst int
}

// Server is the admin HTTP API.
type Server struct {
	Router *gin.Engine

	Streams    []StreamStatus
	Positions  Positions
	Balances   *balance.Manager
	Prices     *cache.MarkPriceCache
	Cooldowns  Cooldowns
	Reconciler Reconciler
	Ledger     Ledger
	Metrics    *monitor.SystemMetrics
	Venue      Venue
	Notifier   *notify.Notifier
	Version    string

	jwtSecret string
}

// NewServer builds the router. Collaborators are attached through the exported fields
// before the server starts; a nil collaborator makes its routes answer 503.
func NewServer(cfg Config) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                    // Panic recovery (first)
	r.Use(RequestIDMiddleware())                             // Request ID tracking
	r.Use(RequestLogger())                                   // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)) // Rate limiting

	s := &Server{Router: r, jwtSecret: cfg.JWTSecret}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	protected := s.Router.Group("/api")
	protected.Use(AuthMiddleware(s.jwtSecret))
	{
		protected.GET("/streams", s.getStreams)
		protected.GET("/positions/:trader", s.getPositions)
		protected.GET("/trades", s.getTrades)
		protected.GET("/balances", s.getBalances)
		protected.GET("/prices", s.getPrices)
		protected.GET("/cooldowns", s.getCooldowns)
		protected.GET("/metrics", s.getMetrics)

		protected.POST("/reconcile", s.runReconcile)
		protected.GET("/reconcile/runs", s.getReconcileRuns)

		// Manual overrides
		protected.POST("/trades/:id/admit", s.admitTrade)
		protected.POST("/trades/:id/replace", s.replaceTrade)
	}
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logx.Infof("api: listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
