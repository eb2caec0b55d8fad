// Package monitor evaluates price alerts against current quotes and dispatches notifications.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tickwatch/internal/alert"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// QuoteSource answers current price queries for one asset class.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// Notifier delivers alert text to a destination. Failures are the notifier's concern.
type Notifier interface {
	Notify(ctx context.Context, destinationID int64, text string) error
}

// StateStore checkpoints the set of triggered alert IDs.
type StateStore interface {
	SaveTriggerStates(states map[string]bool) error
	LoadTriggerStates() (map[string]bool, error)
}

type Config struct {
	// CheckpointInterval is the number of passes between trigger state checkpoints.
	// Zero checkpoints only on Shutdown.
	CheckpointInterval int
}

func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 12,
	}
}

// PassResult summarizes one evaluation pass.
type PassResult struct {
	Checked int
	Fired   int
	Reset   int
	Skipped int
}

// Evaluator runs the trigger/reset state machine over every stored alert. It is the only
// writer of trigger state, which it keeps keyed by alert ID.
type Evaluator struct {
	store    alert.Store
	sources  map[models.AssetClass]QuoteSource
	notifier Notifier
	states   StateStore
	config   Config
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	triggered map[string]bool
	passCount int
}

// New creates an evaluator. states may be nil, in which case trigger state lives only in memory.
func New(store alert.Store, sources map[models.AssetClass]QuoteSource, notifier Notifier, states StateStore, config Config, log *logger.Logger, m *metrics.Metrics) *Evaluator {
	e := &Evaluator{
		store:     store,
		sources:   sources,
		notifier:  notifier,
		states:    states,
		config:    config,
		log:       log,
		metrics:   m,
		triggered: make(map[string]bool),
	}

	if states != nil {
		persisted, err := states.LoadTriggerStates()
		if err != nil {
			log.Warn("Failed to load persisted trigger states: %v", err)
		} else {
			for id, triggered := range persisted {
				if triggered {
					e.triggered[id] = true
				}
			}
			log.Info("Loaded %d persisted trigger states", len(e.triggered))
		}
	}

	return e
}

// Tick runs one full pass over the store. Passes never interleave. The only error is a
// failure to list the store; per-alert problems are logged and counted as skipped.
func (e *Evaluator) Tick(ctx context.Context) (PassResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var res PassResult

	alerts, err := e.store.All()
	if err != nil {
		return res, fmt.Errorf("failed to list alerts: %w", err)
	}

	seen := make(map[string]bool, len(alerts))
	complete := true
	for _, a := range alerts {
		if ctx.Err() != nil {
			complete = false
			break
		}
		seen[a.ID] = true
		res.Checked++

		switch e.evaluate(ctx, a) {
		case outcomeFired:
			res.Fired++
		case outcomeReset:
			res.Reset++
		case outcomeSkipped:
			res.Skipped++
		}
	}

	// State of alerts removed elsewhere is dropped.
	if complete {
		for id := range e.triggered {
			if !seen[id] {
				delete(e.triggered, id)
			}
		}
	}

	e.passCount++
	if e.states != nil && e.config.CheckpointInterval > 0 && e.passCount%e.config.CheckpointInterval == 0 {
		e.checkpoint()
	}

	e.metrics.PassObserved(time.Since(start).Seconds())
	e.log.Debug("Evaluated %d alerts: %d fired, %d reset, %d skipped",
		res.Checked, res.Fired, res.Reset, res.Skipped)
	return res, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeFired
	outcomeReset
	outcomeSkipped
)

func (e *Evaluator) evaluate(ctx context.Context, a models.Alert) outcome {
	triggered := e.triggered[a.ID]

	// A one-shot alert whose removal failed earlier; it must not fire again.
	if triggered && !a.Permanent {
		e.remove(a)
		return outcomeNone
	}

	source, ok := e.sources[a.AssetClass]
	if !ok {
		e.log.Warn("No quote source for asset class %q (alert %s)", a.AssetClass, a.ID)
		return outcomeSkipped
	}

	quote, err := source.GetQuote(ctx, a.Symbol)
	if err != nil {
		if errors.Is(err, models.ErrPriceUnavailable) {
			e.log.Debug("No price for %s, skipping alert %s", a.Symbol, a.ID)
		} else {
			e.log.Warn("Failed to get quote for %s, skipping alert %s: %v", a.Symbol, a.ID, err)
		}
		return outcomeSkipped
	}
	price := quote.Price

	if !triggered {
		if !a.Crossed(price) {
			return outcomeNone
		}
		if err := e.notifier.Notify(ctx, a.DestinationID, FormatNotification(a, price)); err != nil {
			e.log.Warn("Failed to notify %d for alert %s: %v", a.DestinationID, a.ID, err)
		}
		e.triggered[a.ID] = true
		e.metrics.AlertFired()
		e.log.Info("Alert %s fired: %s %s %v at %v", a.ID, a.Symbol, a.Direction, a.Target, price)
		if !a.Permanent {
			e.remove(a)
		}
		return outcomeFired
	}

	if a.Rearmed(price) {
		delete(e.triggered, a.ID)
		e.metrics.AlertReset()
		e.log.Info("Alert %s re-armed at %v", a.ID, price)
		return outcomeReset
	}
	return outcomeNone
}

func (e *Evaluator) remove(a models.Alert) {
	if err := e.store.Remove(a); err != nil {
		e.log.Warn("Failed to remove fired alert %s: %v", a.ID, err)
		return
	}
	delete(e.triggered, a.ID)
}

// Triggered reports whether the alert with id is currently triggered.
func (e *Evaluator) Triggered(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered[id]
}

// Checkpoint writes the trigger state to the state store, if any.
func (e *Evaluator) Checkpoint() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoint()
}

func (e *Evaluator) checkpoint() {
	if e.states == nil {
		return
	}
	snapshot := make(map[string]bool, len(e.triggered))
	for id, triggered := range e.triggered {
		snapshot[id] = triggered
	}
	if err := e.states.SaveTriggerStates(snapshot); err != nil {
		e.log.Warn("Failed to checkpoint trigger states: %v", err)
	}
}

func (e *Evaluator) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.states == nil {
		return
	}
	e.log.Info("Checkpointing %d trigger states before shutdown", len(e.triggered))
	e.checkpoint()
}

// FormatNotification renders the fired alert as "SBER > 250.5 -> 251.02".
func FormatNotification(a models.Alert, price float64) string {
	return fmt.Sprintf("%s %s %s -> %s",
		a.Symbol,
		a.Direction.Symbol(),
		decimal.NewFromFloat(a.Target).String(),
		decimal.NewFromFloat(price).String(),
	)
}
