package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ledger-sync/pkg/exchanges/common"
)

// ErrListenKeyRejected is returned when the exchange refuses a keepalive for the current key.
var ErrListenKeyRejected = errors.New("listen key rejected")

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	BaseURL    string
	Timeout    time.Duration
}

// Client handles the Binance USDT-M futures REST surface the ledger needs.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	clock      *common.ServerClock
	weight     *common.WeightTracker
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	c.clock = common.NewServerClock(c.GetServerTime, 30*time.Minute)
	c.weight = common.NewWeightTracker(2400, time.Minute) // USDT-M request weight per minute
	return c
}

// Clock exposes the venue clock estimate so callers can run its sync loop.
func (c *Client) Clock() *common.ServerClock { return c.clock }

// VenueStatus is the REST-side health of the venue connection.
type VenueStatus struct {
	Weight common.WeightUsage `json:"weight"`
	Clock  common.ClockStatus `json:"clock"`
}

// Status reports request weight usage and the clock offset.
func (c *Client) Status() VenueStatus {
	return VenueStatus{Weight: c.weight.Usage(), Clock: c.clock.Status()}
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "")
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", errors.New("create listen key: empty key in response")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if _, err := c.doKeyed(ctx, http.MethodPut, listenKey); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey invalidates the listen key.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	if _, err := c.doKeyed(ctx, http.MethodDelete, listenKey); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// doKeyed calls the listen-key endpoint, authenticated by API key header only.
func (c *Client) doKeyed(ctx context.Context, method, listenKey string) ([]byte, error) {
	endpoint := c.baseURL + "/fapi/v1/listenKey"
	if listenKey != "" {
		endpoint += "?listenKey=" + url.QueryEscape(listenKey)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		err := fmt.Errorf("status %d: %s", res.StatusCode, string(b))
		// -1125: this listen key does not exist
		if res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized || strings.Contains(string(b), "-1125") {
			return nil, fmt.Errorf("%w: %v", ErrListenKeyRejected, err)
		}
		return nil, err
	}
	return b, nil
}

// GetServerTime returns exchange time in ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// UserTrade is one account fill as returned by /fapi/v1/userTrades.
type UserTrade struct {
	ID           int64  `json:"id"`
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	RealizedPnl  string `json:"realizedPnl"`
	Commission   string `json:"commission"`
	Time         int64  `json:"time"`
}

// GetUserTrades lists account fills for symbol in [start, end]. The venue caps a
// single query at seven days and 1000 rows; the range is walked in pages.
func (c *Client) GetUserTrades(ctx context.Context, symbol string, start, end time.Time) ([]UserTrade, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance usdt futures: API key/secret required")
	}
	const maxSpan = 7 * 24 * time.Hour
	var out []UserTrade
	for from := start; from.Before(end); {
		to := from.Add(maxSpan)
		if to.After(end) {
			to = end
		}
		page, err := c.userTradesPage(ctx, symbol, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 1000 {
			// more rows in this span; continue after the last fill
			from = time.UnixMilli(page[len(page)-1].Time + 1)
			continue
		}
		from = to.Add(time.Millisecond)
	}
	return out, nil
}

func (c *Client) userTradesPage(ctx context.Context, symbol string, from, to time.Time) ([]UserTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	params.Set("limit", "1000")
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var trades []UserTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode user trades: %w", err)
	}
	return trades, nil
}

// now returns a timestamp adjusted by time sync when available.
func (c *Client) now() int64 {
	return c.clock.NowMillis()
}

func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	if err := c.weight.Wait(ctx); err != nil {
		return nil, err
	}
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weight.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance usdt futures %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
