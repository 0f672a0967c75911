package position

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/collection"
	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/pkg/db"
)

// snapshot is the live trades of one trader grouped by symbol and side, oldest first.
type snapshot struct {
	gen    uint64
	groups map[string][]db.Trade
}

func groupKey(symbol string, side db.Side) string {
	return strings.ToUpper(symbol) + "|" + string(side)
}

// positionCache keeps one snapshot per trader behind a TTL cache. Every trader has a
// generation counter; Invalidate bumps it so a load that raced an invalidation is
// recognised and never served.
type positionCache struct {
	store Store
	cache *collection.Cache

	mu   sync.Mutex
	gens map[string]uint64
}

func newPositionCache(store Store, ttl time.Duration) (*positionCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c, err := collection.NewCache(ttl, collection.WithName("positions"))
	if err != nil {
		return nil, fmt.Errorf("create position cache: %w", err)
	}
	return &positionCache{store: store, cache: c, gens: make(map[string]uint64)}, nil
}

func (c *positionCache) generation(traderID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[traderID]
}

func (c *positionCache) invalidate(traderID string) {
	c.mu.Lock()
	c.gens[traderID]++
	c.mu.Unlock()
	c.cache.Del(traderID)
}

// get returns the trader's snapshot, loading it at most once for concurrent callers.
func (c *positionCache) get(ctx context.Context, traderID string) (*snapshot, error) {
	gen := c.generation(traderID)
	v, err := c.cache.Take(traderID, func() (any, error) {
		return c.load(ctx, traderID, gen)
	})
	if err != nil {
		return nil, err
	}
	snap := v.(*snapshot)
	if cur := c.generation(traderID); snap.gen != cur {
		c.cache.Del(traderID)
		return c.load(ctx, traderID, cur)
	}
	return snap, nil
}

func (c *positionCache) load(ctx context.Context, traderID string, gen uint64) (*snapshot, error) {
	trades, err := c.store.ListLiveTrades(ctx, traderID)
	if err != nil {
		return nil, fmt.Errorf("load live trades of %s: %w", traderID, err)
	}
	trades = c.repairMerges(ctx, trades)

	snap := &snapshot{gen: gen, groups: make(map[string][]db.Trade)}
	for _, t := range trades {
		k := groupKey(t.Symbol, t.Side)
		snap.groups[k] = append(snap.groups[k], t)
	}
	return snap, nil
}

// repairMerges finishes merges whose secondary was never marked: a live trade whose id
// is recorded as absorbed by another live trade of the same symbol and side is marked
// MERGED and left out of the aggregate.
func (c *positionCache) repairMerges(ctx context.Context, trades []db.Trade) []db.Trade {
	absorbedBy := make(map[string]string)
	for _, t := range trades {
		for _, id := range t.MergedTradeIDs {
			if id != t.ID {
				absorbedBy[id] = t.ID
			}
		}
	}
	if len(absorbedBy) == 0 {
		return trades
	}

	byID := make(map[string]db.Trade, len(trades))
	for _, t := range trades {
		byID[t.ID] = t
	}
	out := trades[:0:0]
	for _, t := range trades {
		primaryID, ok := absorbedBy[t.ID]
		if !ok {
			out = append(out, t)
			continue
		}
		p := byID[primaryID]
		if groupKey(p.Symbol, p.Side) != groupKey(t.Symbol, t.Side) {
			out = append(out, t)
			continue
		}
		reason := fmt.Sprintf("repaired: absorbed by %s", primaryID)
		if err := c.store.MarkMerged(ctx, t.ID, primaryID, reason); err != nil {
			logx.WithContext(ctx).Errorf("position: repair half merge trade=%s primary=%s err=%v", t.ID, primaryID, err)
		} else {
			logx.WithContext(ctx).Infof("position: repaired half merge trade=%s primary=%s", t.ID, primaryID)
		}
		// The primary already carries this trade's size.
	}
	return out
}

// aggregate folds trades into a position, leaving out exclude. The earliest trade is
// the primary.
func aggregate(traderID string, trades []db.Trade, exclude string) (Position, bool) {
	var (
		pos      Position
		size     = decimal.Zero
		notional = decimal.Zero
	)
	for _, t := range trades {
		if t.ID == exclude {
			continue
		}
		if pos.PrimaryTradeID == "" {
			pos = Position{
				TraderID:       traderID,
				Symbol:         t.Symbol,
				Side:           t.Side,
				PrimaryTradeID: t.ID,
				OpenedAt:       t.CreatedAt,
			}
		}
		s := decimal.NewFromFloat(t.Size)
		size = size.Add(s)
		notional = notional.Add(s.Mul(decimal.NewFromFloat(t.EntryPrice)))
		pos.TradeIDs = append(pos.TradeIDs, t.ID)
	}
	if pos.PrimaryTradeID == "" {
		return Position{}, false
	}
	pos.Size = size.InexactFloat64()
	if size.IsPositive() {
		pos.EntryPrice = notional.Div(size).InexactFloat64()
	}
	return pos, true
}

func (s *snapshot) position(traderID, symbol string, side db.Side, exclude string) (Position, bool) {
	return aggregate(traderID, s.groups[groupKey(symbol, side)], exclude)
}

func (s *snapshot) positions(traderID string) []Position {
	out := make([]Position, 0, len(s.groups))
	for _, trades := range s.groups {
		if p, ok := aggregate(traderID, trades, ""); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// weightedEntry returns the combined size and size-weighted entry price of two legs.
func weightedEntry(sizeA, priceA, sizeB, priceB float64) (float64, float64) {
	a := decimal.NewFromFloat(sizeA)
	b := decimal.NewFromFloat(sizeB)
	total := a.Add(b)
	if !total.IsPositive() {
		return total.InexactFloat64(), priceB
	}
	notional := a.Mul(decimal.NewFromFloat(priceA)).Add(b.Mul(decimal.NewFromFloat(priceB)))
	return total.InexactFloat64(), notional.Div(total).InexactFloat64()
}
