// Package moex is a minimal client for the Moscow Exchange ISS REST API.
package moex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewired-gh/tickwatch/internal/cache"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
)

const (
	DefaultBaseURL  = "https://iss.moex.com/iss"
	DefaultCacheTTL = 5 * time.Second
)

// Client provides access to the ISS candles and securities endpoints. Responses are cached.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
}

type Option func(*Client)

// WithRetry overrides the retry count and the linear delay step between attempts.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		c.retryDelay = delay
	}
}

// WithCacheTTL overrides how long responses stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// NewClient creates a new ISS client
func NewClient(baseURL string, timeout time.Duration, c cache.Cache, log *logger.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:      c,
		cacheTTL:   DefaultCacheTTL,
		maxRetries: 3,
		retryDelay: time.Second,
		log:        log,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// issTable is one section of an ISS response: column names plus positional rows.
type issTable struct {
	Columns []string            `json:"columns"`
	Data    [][]json.RawMessage `json:"data"`
}

// rows converts positional rows into column-keyed maps.
func (t issTable) rows() []map[string]json.RawMessage {
	out := make([]map[string]json.RawMessage, 0, len(t.Data))
	for _, row := range t.Data {
		m := make(map[string]json.RawMessage, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

func CandlesKey(secid, interval string) string {
	return "ohlcv:" + secid + ":" + interval
}

func LastPriceKey(secid string) string {
	return "lastPrice:" + secid
}

// Candles returns the OHLCV candles for secid at the given ISS interval code, oldest first.
func (c *Client) Candles(ctx context.Context, secid, interval string) ([]models.Candle, error) {
	key := CandlesKey(secid, interval)
	if cached, ok := c.cached(ctx, key); ok {
		var candles []models.Candle
		if err := json.Unmarshal([]byte(cached), &candles); err == nil {
			return candles, nil
		}
	}

	u, err := url.Parse(c.baseURL + "/engines/stock/markets/shares/securities/" + url.PathEscape(secid) + "/candles.json")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("interval", interval)
	q.Set("iss.meta", "off")
	u.RawQuery = q.Encode()

	var body struct {
		Candles issTable `json:"candles"`
	}
	if err := c.getJSON(ctx, u.String(), &body); err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", secid, err)
	}

	candles := make([]models.Candle, 0, len(body.Candles.Data))
	for _, row := range body.Candles.rows() {
		candle, err := parseCandle(row)
		if err != nil {
			c.log.Debug("Skipping malformed candle for %s: %v", secid, err)
			continue
		}
		candles = append(candles, candle)
	}

	if payload, err := json.Marshal(candles); err == nil {
		c.store(ctx, key, string(payload))
	}
	return candles, nil
}

// LastPrice returns the last traded price of secid from the securities board.
func (c *Client) LastPrice(ctx context.Context, secid string) (float64, error) {
	key := LastPriceKey(secid)
	if cached, ok := c.cached(ctx, key); ok {
		if price, err := strconv.ParseFloat(cached, 64); err == nil {
			return price, nil
		}
	}

	u, err := url.Parse(c.baseURL + "/engines/stock/markets/shares/securities/" + url.PathEscape(secid) + ".json")
	if err != nil {
		return 0, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("iss.meta", "off")
	q.Set("iss.only", "marketdata")
	q.Set("marketdata.columns", "SECID,LAST")
	u.RawQuery = q.Encode()

	var body struct {
		Marketdata issTable `json:"marketdata"`
	}
	if err := c.getJSON(ctx, u.String(), &body); err != nil {
		return 0, fmt.Errorf("failed to fetch last price for %s: %w", secid, err)
	}

	for _, row := range body.Marketdata.rows() {
		var price *float64
		if err := json.Unmarshal(row["LAST"], &price); err != nil || price == nil {
			continue
		}
		c.store(ctx, key, strconv.FormatFloat(*price, 'f', -1, 64))
		return *price, nil
	}
	return 0, models.ErrPriceUnavailable
}

func parseCandle(row map[string]json.RawMessage) (models.Candle, error) {
	var candle models.Candle
	var volume float64
	fields := []struct {
		name string
		dst  interface{}
	}{
		{"open", &candle.Open},
		{"close", &candle.Close},
		{"high", &candle.High},
		{"low", &candle.Low},
		{"volume", &volume},
		{"begin", &candle.Begin},
		{"end", &candle.End},
	}
	for _, f := range fields {
		raw, ok := row[f.name]
		if !ok {
			return models.Candle{}, fmt.Errorf("missing column %q", f.name)
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return models.Candle{}, fmt.Errorf("failed to decode column %q: %w", f.name, err)
		}
	}
	candle.Volume = int64(volume)
	return candle, nil
}

func (c *Client) cached(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	value, err := c.cache.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return value, true
}

func (c *Client) store(ctx context.Context, key, value string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, value, c.cacheTTL); err != nil {
		c.log.Warn("Failed to cache %s: %v", key, err)
	}
}

func (c *Client) getJSON(ctx context.Context, urlStr string, dst interface{}) error {
	resp, err := c.doRequest(ctx, urlStr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
