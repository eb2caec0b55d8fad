package models

import "time"

// Tick is a single live price observation as stored in the cache.
type Tick struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	DayChangePercent float64 `json:"dayChangePercent"`
	Volume           int64   `json:"volume"`
	ObservedAt       int64   `json:"ts"` // epoch seconds
}

// Age returns how old the tick is relative to now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.ObservedAt, 0))
}

// Quote is the current price answer for a symbol.
type Quote struct {
	Price            float64 `json:"price"`
	DayChangePercent float64 `json:"dayChangePercent"`
	Volume           int64   `json:"volume"`
}

// Candle is one OHLCV data point from a polled source.
type Candle struct {
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Volume int64   `json:"volume"`
	Begin  string  `json:"begin"`
	End    string  `json:"end"`
}

// ChangePercent returns the open-to-close change of the candle, 0 when open is 0.
func (c Candle) ChangePercent() float64 {
	if c.Open == 0 {
		return 0
	}
	return (c.Close - c.Open) / c.Open * 100
}

// Quote converts the candle into a quote priced at its close.
func (c Candle) Quote() Quote {
	return Quote{
		Price:            c.Close,
		DayChangePercent: c.ChangePercent(),
		Volume:           c.Volume,
	}
}
