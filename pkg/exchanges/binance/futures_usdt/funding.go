package futures_usdt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// FundingLedger sums funding fee income through the go-binance futures SDK.
type FundingLedger struct {
	client *futures.Client
}

// NewFundingLedger builds a funding lookup for the same account as cfg.
func NewFundingLedger(cfg Config) *FundingLedger {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = baseURLProduction
	if cfg.Testnet {
		client.BaseURL = baseURLTestnet
	}
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &FundingLedger{client: client}
}

// FundingBetween returns the net funding (positive received) for symbol in [start, end].
func (f *FundingLedger) FundingBetween(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	incomes, err := f.client.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType("FUNDING_FEE").
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("funding income %s: %w", symbol, err)
	}
	var total float64
	for _, in := range incomes {
		v, err := strconv.ParseFloat(in.Income, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}
