// Package quote answers "current price" queries by preferring a fresh live tick from the
// cache and falling back to a polled candle source.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/tickwatch/internal/cache"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// CandleSource fetches OHLCV candles for a symbol, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string) ([]models.Candle, error)
}

type Config struct {
	// FreshnessWindow is the maximum tick age, in whole seconds, still served as live.
	FreshnessWindow time.Duration
	// Interval is the candle interval code requested from the fallback source.
	Interval        string
	FallbackTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 5 * time.Second,
		Interval:        "24",
		FallbackTimeout: 10 * time.Second,
	}
}

// Service reconciles live ticks with polled candles.
type Service struct {
	cache    cache.Cache
	fallback CandleSource
	config   Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(c cache.Cache, fallback CandleSource, config Config, log *logger.Logger, m *metrics.Metrics) *Service {
	defaults := DefaultConfig()
	if config.FreshnessWindow <= 0 {
		config.FreshnessWindow = defaults.FreshnessWindow
	}
	if config.Interval == "" {
		config.Interval = defaults.Interval
	}
	return &Service{
		cache:    c,
		fallback: fallback,
		config:   config,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// GetQuote returns the live tick for symbol when it is within the freshness window, and a
// quote built from the latest fallback candle otherwise. It returns models.ErrPriceUnavailable
// when the fallback has no candles.
func (s *Service) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	if tick, ok := s.liveTick(ctx, symbol); ok {
		s.metrics.QuoteServed(metrics.SourceLive)
		return models.Quote{
			Price:            tick.Price,
			DayChangePercent: tick.DayChangePercent,
			Volume:           tick.Volume,
		}, nil
	}

	fetchCtx := ctx
	if s.config.FallbackTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.config.FallbackTimeout)
		defer cancel()
	}

	candles, err := s.fallback.Candles(fetchCtx, symbol, s.config.Interval)
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return models.Quote{}, models.ErrPriceUnavailable
	}

	s.metrics.QuoteServed(metrics.SourceFallback)
	return candles[len(candles)-1].Quote(), nil
}

func (s *Service) liveTick(ctx context.Context, symbol string) (models.Tick, bool) {
	raw, err := s.cache.Get(ctx, cache.PriceKey(symbol))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("Cache unavailable for %s, using fallback: %v", symbol, err)
		}
		return models.Tick{}, false
	}

	var tick models.Tick
	if err := json.Unmarshal([]byte(raw), &tick); err != nil {
		s.log.Debug("Undecodable tick for %s: %v", symbol, err)
		return models.Tick{}, false
	}

	age := s.now().Unix() - tick.ObservedAt
	if age > int64(s.config.FreshnessWindow/time.Second) {
		return models.Tick{}, false
	}
	return tick, true
}
