package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rewired-gh/tickwatch/internal/bus"
	"github.com/rewired-gh/tickwatch/internal/cache"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// State is the ingester's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosing
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const pingMessage = `{"type":"ping"}`

type Config struct {
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	TickTTL           time.Duration
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackoffBase:       DefaultBackoffBase,
		BackoffMax:        DefaultBackoffMax,
		HeartbeatInterval: 10 * time.Second,
		TickTTL:           10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Ingester streams quotes and order books for a fixed symbol set, reconnecting with
// exponential backoff until its context is cancelled.
type Ingester struct {
	connector  Connector
	credential string
	cache      cache.Cache
	publisher  bus.Publisher
	config     Config
	log        *logger.Logger
	metrics    *metrics.Metrics

	state atomic.Int32
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewIngester(connector Connector, credential string, c cache.Cache, publisher bus.Publisher, config Config, log *logger.Logger, m *metrics.Metrics) *Ingester {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.TickTTL <= 0 {
		config.TickTTL = defaults.TickTTL
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	return &Ingester{
		connector:  connector,
		credential: credential,
		cache:      c,
		publisher:  publisher,
		config:     config,
		log:        log,
		metrics:    m,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// State returns the current connection state.
func (in *Ingester) State() State {
	return State(in.state.Load())
}

func (in *Ingester) setState(s State) {
	in.state.Store(int32(s))
}

// Run streams symbols until ctx is cancelled and then returns ctx.Err(). Connection faults
// and clean ends of stream are retried; they are never returned.
func (in *Ingester) Run(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return errors.New("no symbols to stream")
	}
	subscribe, err := json.Marshal(subscribeRequest{Event: "subscribe", Quotes: symbols, Orderbooks: symbols})
	if err != nil {
		return fmt.Errorf("failed to encode subscribe request: %w", err)
	}
	defer in.setState(StateStopped)

	backoff := NewBackoff(in.config.BackoffBase, in.config.BackoffMax)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionErr := in.runSession(ctx, string(subscribe), backoff)
		if err := ctx.Err(); err != nil {
			return err
		}

		in.setState(StateReconnecting)
		in.metrics.Reconnect()
		delay := backoff.Next()
		if sessionErr != nil {
			in.log.Warn("Stream fault, reconnecting in %v: %v", delay, sessionErr)
		} else {
			in.log.Info("Stream ended, reconnecting in %v", delay)
		}
		if err := in.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (in *Ingester) runSession(ctx context.Context, subscribe string, backoff *Backoff) error {
	in.setState(StateConnecting)
	sess, err := in.connector.Connect(ctx, in.credential)
	if err != nil {
		return err
	}
	backoff.Reset()

	sessCtx, cancel := context.WithCancel(ctx)
	// Closing on cancellation unblocks a pending Receive.
	stopAfter := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer func() {
		stopAfter()
		cancel()
		_ = sess.Close()
	}()

	if err := in.send(sessCtx, sess, subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	in.setState(StateStreaming)

	var wg conc.WaitGroup
	wg.Go(func() { in.heartbeat(sessCtx, sess) })

	err = in.receive(sessCtx, sess)

	in.setState(StateClosing)
	cancel()
	wg.Wait()
	return err
}

func (in *Ingester) heartbeat(ctx context.Context, sess Session) {
	ticker := time.NewTicker(in.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.send(ctx, sess, pingMessage); err != nil {
				if ctx.Err() == nil {
					in.log.Warn("Heartbeat failed: %v", err)
				}
				return
			}
		}
	}
}

func (in *Ingester) receive(ctx context.Context, sess Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := sess.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		in.handleMessage(ctx, text)
	}
}

func (in *Ingester) send(ctx context.Context, sess Session, text string) error {
	ctx, cancel := context.WithTimeout(ctx, in.config.WriteTimeout)
	defer cancel()
	return sess.Send(ctx, text)
}

type subscribeRequest struct {
	Event      string   `json:"event"`
	Quotes     []string `json:"quotes"`
	Orderbooks []string `json:"orderbooks"`
}

type envelope struct {
	Type string `json:"type"`
}

type lastPriceEvent struct {
	Figi  string   `json:"figi"`
	Price *float64 `json:"price"`
}

type orderBookEvent struct {
	Figi string      `json:"figi"`
	Bids [][]float64 `json:"bids"`
	Asks [][]float64 `json:"asks"`
}

func (in *Ingester) handleMessage(ctx context.Context, text string) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		in.drop(text, err)
		return
	}

	switch env.Type {
	case "last_price":
		var ev lastPriceEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			in.drop(text, err)
			return
		}
		if ev.Figi == "" || ev.Price == nil {
			in.drop(text, errors.New("last_price without figi or price"))
			return
		}
		in.storeTick(ctx, ev.Figi, *ev.Price)

	case "orderbook":
		var ev orderBookEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			in.drop(text, err)
			return
		}
		if ev.Figi == "" {
			in.drop(text, errors.New("orderbook without figi"))
			return
		}
		if err := in.publisher.Publish(ctx, bus.OrderbookChannel(ev.Figi), text); err != nil {
			in.log.Warn("Failed to publish order book for %s: %v", ev.Figi, err)
		}

	default:
		in.drop(text, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (in *Ingester) storeTick(ctx context.Context, symbol string, price float64) {
	tick := models.Tick{
		Symbol:     symbol,
		Price:      price,
		ObservedAt: in.now().Unix(),
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		in.drop(symbol, err)
		return
	}

	if err := in.cache.Set(ctx, cache.PriceKey(symbol), string(payload), in.config.TickTTL); err != nil {
		in.log.Warn("Failed to cache tick for %s: %v", symbol, err)
	}
	if err := in.publisher.Publish(ctx, bus.PricesChannel(symbol), strconv.FormatFloat(price, 'f', -1, 64)); err != nil {
		in.log.Warn("Failed to publish tick for %s: %v", symbol, err)
	}
	in.metrics.TickIngested(symbol)
}

func (in *Ingester) drop(text string, reason error) {
	in.metrics.MessageDropped()
	in.log.Debug("Dropped stream message %.200q: %v", text, reason)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
