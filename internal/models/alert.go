// Package models defines the core domain entities: ticks, quotes, candles, and alert rules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultHysteresisBps is the re-arm band applied to permanent alerts when none is given.
const DefaultHysteresisBps = 20

var (
	// ErrPriceUnavailable is returned by quote sources that have no price for a symbol.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// AssetClass selects which quote source prices an alert.
type AssetClass string

const (
	Equity AssetClass = "equity"
	Crypto AssetClass = "crypto"
)

// Direction is the side of the target an alert waits for.
type Direction string

const (
	Above Direction = "ABOVE"
	Below Direction = "BELOW"
)

// ParseDirection accepts "above"/"below" in any case, as well as ">" and "<".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above", ">":
		return Above, nil
	case "below", "<":
		return Below, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Symbol returns the comparison sign used in notification text.
func (d Direction) Symbol() string {
	if d == Below {
		return "<"
	}
	return ">"
}

// Alert is an immutable price alert rule. Trigger state is kept by the evaluator, not here.
type Alert struct {
	ID            string     `json:"id"`
	OwnerID       int64      `json:"owner_id"`
	DestinationID int64      `json:"destination_id"`
	Symbol        string     `json:"symbol"`
	AssetClass    AssetClass `json:"asset_class"`
	Direction     Direction  `json:"direction"`
	Target        float64    `json:"target"`
	HysteresisBps int        `json:"hysteresis_bps"`
	Permanent     bool       `json:"permanent"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewAlert builds an alert rule with a fresh ID and the default hysteresis band.
func NewAlert(ownerID, destinationID int64, symbol string, class AssetClass, dir Direction, target float64, permanent bool) Alert {
	return Alert{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		DestinationID: destinationID,
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		AssetClass:    class,
		Direction:     dir,
		Target:        target,
		HysteresisBps: DefaultHysteresisBps,
		Permanent:     permanent,
		CreatedAt:     time.Now(),
	}
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.Symbol == "" {
		return errors.New("alert symbol must not be empty")
	}
	if a.AssetClass != Equity && a.AssetClass != Crypto {
		return fmt.Errorf("asset class must be %q or %q", Equity, Crypto)
	}
	if a.Direction != Above && a.Direction != Below {
		return fmt.Errorf("direction must be %q or %q", Above, Below)
	}
	if a.Target <= 0 {
		return errors.New("target price must be positive")
	}
	if a.HysteresisBps < 0 || a.HysteresisBps >= 10000 {
		return errors.New("hysteresis must be between 0 and 9999 bps")
	}
	return nil
}

// Crossed reports whether price has reached the alert target.
func (a *Alert) Crossed(price float64) bool {
	if a.Direction == Below {
		return price <= a.Target
	}
	return price >= a.Target
}

// Rearmed reports whether price moved back past the hysteresis band on the far side of the
// target, which re-arms a triggered permanent alert.
func (a *Alert) Rearmed(price float64) bool {
	band := float64(a.HysteresisBps) / 10000.0
	if a.Direction == Below {
		return price >= a.Target*(1+band)
	}
	return price <= a.Target*(1-band)
}
