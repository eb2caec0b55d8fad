// Package bus fans derived market events out to downstream consumers.
package bus

import (
	"context"
	"sync"
)

// Publisher sends a message on a channel. Publishing is fire-and-forget: there is no
// delivery guarantee and a slow or absent subscriber must never block the caller.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// PricesChannel carries live prices for a symbol.
func PricesChannel(symbol string) string {
	return "prices:" + symbol
}

// OrderbookChannel carries raw order book payloads for a symbol.
func OrderbookChannel(symbol string) string {
	return "orderbook:" + symbol
}

const defaultHistoryLimit = 1024

// Memory is an in-process Publisher. It keeps an ordered per-channel history and delivers to
// subscribers with non-blocking sends; a full subscriber buffer drops the message.
type Memory struct {
	mu           sync.Mutex
	history      map[string][]string
	historyLimit int
	subs         map[string]map[int]chan string
	nextID       int
}

// Option configures a Memory bus.
type Option func(*Memory)

// WithHistoryLimit caps the number of messages recorded per channel; 0 disables recording.
func WithHistoryLimit(n int) Option {
	return func(m *Memory) {
		if n >= 0 {
			m.historyLimit = n
		}
	}
}

// NewMemory creates an empty in-memory bus.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		history:      make(map[string][]string),
		historyLimit: defaultHistoryLimit,
		subs:         make(map[string]map[int]chan string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.historyLimit > 0 {
		h := append(m.history[channel], message)
		if len(h) > m.historyLimit {
			h = h[len(h)-m.historyLimit:]
		}
		m.history[channel] = h
	}

	for _, ch := range m.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

// Messages returns a copy of the recorded messages for a channel, oldest first.
func (m *Memory) Messages(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history[channel]))
	copy(out, m.history[channel])
	return out
}

// Subscribe registers a buffered receiver for a channel. The returned cancel func removes
// the subscription and closes the receiver.
func (m *Memory) Subscribe(channel string, buffer int) (<-chan string, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan string, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan string)
	}
	m.subs[channel][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[channel], id)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
