// Package coingecko fetches spot crypto prices from the CoinGecko public API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/tickwatch/internal/cache"
	"github.com/rewired-gh/tickwatch/internal/logger"
)

const (
	DefaultBaseURL  = "https://api.coingecko.com/api/v3"
	DefaultCacheTTL = 60 * time.Second
)

// Prices maps coin id -> field -> value, e.g. prices["bitcoin"]["usd_24h_change"].
type Prices map[string]map[string]float64

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
}

// NewClient creates a CoinGecko client. apiKey is optional and sent as the demo API key header.
func NewClient(baseURL, apiKey string, timeout time.Duration, c cache.Cache, cacheTTL time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      c,
		cacheTTL:   cacheTTL,
		maxRetries: 3,
		retryDelay: time.Second,
		log:        log,
	}
}

func SimplePriceKey(ids, vs []string, include24hChange bool) string {
	key := "cg:simple:" + strings.Join(ids, ",") + ":" + strings.Join(vs, ",")
	if include24hChange {
		key += ":24h"
	}
	return key
}

// SimplePrice returns current prices of ids in the vs currencies. With include24hChange
// every currency also gets a "<vs>_24h_change" entry.
func (c *Client) SimplePrice(ctx context.Context, ids, vs []string, include24hChange bool) (Prices, error) {
	if len(ids) == 0 || len(vs) == 0 {
		return Prices{}, nil
	}

	key := SimplePriceKey(ids, vs, include24hChange)
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key); err == nil {
			var prices Prices
			if err := json.Unmarshal([]byte(cached), &prices); err == nil {
				return prices, nil
			}
		}
	}

	u, err := url.Parse(c.baseURL + "/simple/price")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", strings.Join(vs, ","))
	if include24hChange {
		q.Set("include_24hr_change", "true")
	}
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch simple price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch simple price: unexpected status %d", resp.StatusCode)
	}

	// Values may be null for unlisted pairs.
	var raw map[string]map[string]*float64
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode simple price: %w", err)
	}

	prices := make(Prices, len(raw))
	for id, fields := range raw {
		values := make(map[string]float64, len(fields))
		for name, v := range fields {
			if v != nil {
				values[name] = *v
			}
		}
		prices[id] = values
	}

	if c.cache != nil {
		if payload, err := json.Marshal(prices); err == nil {
			if err := c.cache.Set(ctx, key, string(payload), c.cacheTTL); err != nil {
				c.log.Warn("Failed to cache %s: %v", key, err)
			}
		}
	}
	return prices, nil
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
		if c.apiKey != "" {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
