package quote

import (
	"context"
	"fmt"
	"strings"

	"github.com/rewired-gh/tickwatch/internal/coingecko"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// SimplePricer is the CoinGecko simple price contract.
type SimplePricer interface {
	SimplePrice(ctx context.Context, ids, vs []string, include24hChange bool) (coingecko.Prices, error)
}

var defaultCoinIDs = map[string]string{
	"BTC": "bitcoin",
}

// CryptoService quotes crypto tickers in a single vs currency.
type CryptoService struct {
	pricer   SimplePricer
	currency string
	coinIDs  map[string]string
	metrics  *metrics.Metrics
}

// NewCryptoService creates a crypto quote source. coinIDs maps tickers to CoinGecko ids on
// top of the built-in BTC mapping; unmapped tickers are lower-cased.
func NewCryptoService(pricer SimplePricer, currency string, coinIDs map[string]string, m *metrics.Metrics) *CryptoService {
	if currency == "" {
		currency = "usd"
	}
	ids := make(map[string]string, len(defaultCoinIDs)+len(coinIDs))
	for k, v := range defaultCoinIDs {
		ids[k] = v
	}
	for k, v := range coinIDs {
		ids[strings.ToUpper(k)] = v
	}
	return &CryptoService{
		pricer:   pricer,
		currency: strings.ToLower(currency),
		coinIDs:  ids,
		metrics:  m,
	}
}

// CoinID resolves a ticker to its CoinGecko id.
func (s *CryptoService) CoinID(symbol string) string {
	if id, ok := s.coinIDs[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (s *CryptoService) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	id := s.CoinID(symbol)
	prices, err := s.pricer.SimplePrice(ctx, []string{id}, []string{s.currency}, true)
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to fetch crypto price for %s: %w", symbol, err)
	}

	fields, ok := prices[id]
	if !ok {
		return models.Quote{}, models.ErrPriceUnavailable
	}
	price, ok := fields[s.currency]
	if !ok {
		return models.Quote{}, models.ErrPriceUnavailable
	}

	s.metrics.QuoteServed(metrics.SourceFallback)
	return models.Quote{
		Price:            price,
		DayChangePercent: fields[s.currency+"_24h_change"],
	}, nil
}
