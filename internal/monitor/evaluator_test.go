package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rewired-gh/tickwatch/internal/alert"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
	"github.com/rewired-gh/tickwatch/internal/storage"
)

type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{prices: make(map[string]float64)}
}

func (f *fakeQuotes) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeQuotes) unset(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, symbol)
}

func (f *fakeQuotes) GetQuote(_ context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Quote{}, f.err
	}
	price, ok := f.prices[symbol]
	if !ok {
		return models.Quote{}, models.ErrPriceUnavailable
	}
	return models.Quote{Price: price}, nil
}

type sentMessage struct {
	destination int64
	text        string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, destinationID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{destinationID, text})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	store    *alert.MemoryStore
	equity   *fakeQuotes
	crypto   *fakeQuotes
	notifier *recordingNotifier
	eval     *Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    alert.NewMemoryStore(),
		equity:   newFakeQuotes(),
		crypto:   newFakeQuotes(),
		notifier: &recordingNotifier{},
	}
	f.eval = New(f.store, map[models.AssetClass]QuoteSource{
		models.Equity: f.equity,
		models.Crypto: f.crypto,
	}, f.notifier, nil, DefaultConfig(), logger.Nop(), metrics.New())
	return f
}

func (f *fixture) add(t *testing.T, dir models.Direction, target float64, permanent bool) models.Alert {
	t.Helper()
	a := models.NewAlert(7, 70, "SBER", models.Equity, dir, target, permanent)
	if err := f.store.Save(a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return a
}

func TestEvaluator_OneShotFiresOnceAndIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Above, 100, false)

	f.equity.set("SBER", 101)
	res, _ := f.eval.Tick(context.Background())
	if res.Fired != 1 || f.notifier.count() != 1 {
		t.Fatalf("first pass: %+v, notifications %d", res, f.notifier.count())
	}
	if all, _ := f.store.All(); len(all) != 0 {
		t.Errorf("one-shot alert must leave the store, got %v", all)
	}

	f.equity.set("SBER", 102)
	f.eval.Tick(context.Background())
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
}

func TestEvaluator_HysteresisSuppressesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Above, 100, true)
	ctx := context.Background()

	for _, price := range []float64{101, 99.9, 101, 100, 99.85, 100.5} {
		f.equity.set("SBER", price)
		f.eval.Tick(ctx)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1 (price never left the band)", f.notifier.count())
	}
	if all, _ := f.store.All(); len(all) != 1 {
		t.Error("permanent alert must stay in the store")
	}
}

func TestEvaluator_PermanentRetriggersAfterReset(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, models.Above, 100, true)
	ctx := context.Background()

	f.equity.set("SBER", 101)
	f.eval.Tick(ctx)
	if !f.eval.Triggered(a.ID) {
		t.Fatal("alert must be triggered after crossing")
	}

	f.equity.set("SBER", 99.0)
	if res, _ := f.eval.Tick(ctx); res.Reset != 1 {
		t.Errorf("expected reset, got %+v", res)
	}
	if f.eval.Triggered(a.ID) {
		t.Error("alert must be re-armed below the band")
	}

	f.equity.set("SBER", 101)
	f.eval.Tick(ctx)
	if f.notifier.count() != 2 {
		t.Errorf("notifications = %d, want 2", f.notifier.count())
	}
}

func TestEvaluator_BelowDirection(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Below, 100, true)
	ctx := context.Background()

	steps := []struct {
		price     float64
		wantSent  int
		wantFired bool
	}{
		{price: 100.5, wantSent: 0},
		{price: 100, wantSent: 1, wantFired: true},
		{price: 100.1, wantSent: 1}, // inside the band, reset needs >= 100.2
		{price: 99, wantSent: 1},
		{price: 100.5, wantSent: 1}, // re-armed
		{price: 99.5, wantSent: 2, wantFired: true},
	}
	for i, step := range steps {
		f.equity.set("SBER", step.price)
		res, _ := f.eval.Tick(ctx)
		if (res.Fired == 1) != step.wantFired {
			t.Errorf("step %d price %v: fired = %d", i, step.price, res.Fired)
		}
		if f.notifier.count() != step.wantSent {
			t.Errorf("step %d price %v: notifications = %d, want %d", i, step.price, f.notifier.count(), step.wantSent)
		}
	}
}

func TestEvaluator_UnavailablePriceLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, models.Above, 100, true)
	ctx := context.Background()

	f.equity.set("SBER", 101)
	f.eval.Tick(ctx)

	f.equity.unset("SBER")
	res, _ := f.eval.Tick(ctx)
	if res.Skipped != 1 || res.Reset != 0 {
		t.Errorf("pass = %+v, want one skipped", res)
	}
	if !f.eval.Triggered(a.ID) {
		t.Error("a data gap must not re-arm the alert")
	}

	f.equity.err = errors.New("iss timeout")
	if res, _ := f.eval.Tick(ctx); res.Skipped != 1 {
		t.Errorf("source error must skip, got %+v", res)
	}
	f.equity.err = nil

	f.equity.set("SBER", 101)
	f.eval.Tick(ctx)
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
}

func TestEvaluator_RoutesByAssetClass(t *testing.T) {
	f := newFixture(t)
	a := models.NewAlert(7, 70, "BTC", models.Crypto, models.Above, 60000, false)
	_ = f.store.Save(a)

	f.equity.set("BTC", 1)
	f.crypto.set("BTC", 65000)
	f.eval.Tick(context.Background())

	if f.equity.calls != 0 || f.crypto.calls != 1 {
		t.Errorf("equity calls = %d, crypto calls = %d", f.equity.calls, f.crypto.calls)
	}
	if f.notifier.count() != 1 || f.notifier.sent[0].text != "BTC > 60000 -> 65000" {
		t.Errorf("sent = %+v", f.notifier.sent)
	}
}

func TestEvaluator_MissingSourceSkips(t *testing.T) {
	store := alert.NewMemoryStore()
	notifier := &recordingNotifier{}
	e := New(store, map[models.AssetClass]QuoteSource{}, notifier, nil, DefaultConfig(), logger.Nop(), nil)
	_ = store.Save(models.NewAlert(1, 1, "SBER", models.Equity, models.Above, 1, false))

	if res, _ := e.Tick(context.Background()); res.Skipped != 1 || notifier.count() != 0 {
		t.Errorf("pass = %+v", res)
	}
}

func TestEvaluator_NotificationContent(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Above, 250.5, false)
	f.equity.set("SBER", 251.02)
	f.eval.Tick(context.Background())

	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent = %+v", f.notifier.sent)
	}
	got := f.notifier.sent[0]
	if got.destination != 70 || got.text != "SBER > 250.5 -> 251.02" {
		t.Errorf("sent = %+v", got)
	}
}

func TestFormatNotification(t *testing.T) {
	tests := []struct {
		dir    models.Direction
		target float64
		price  float64
		want   string
	}{
		{models.Above, 100, 101, "SBER > 100 -> 101"},
		{models.Below, 0.3, 0.1, "SBER < 0.3 -> 0.1"},
		{models.Above, 1234.5678, 1300, "SBER > 1234.5678 -> 1300"},
	}
	for _, tt := range tests {
		a := models.NewAlert(1, 1, "sber", models.Equity, tt.dir, tt.target, false)
		if got := FormatNotification(a, tt.price); got != tt.want {
			t.Errorf("FormatNotification = %q, want %q", got, tt.want)
		}
	}
}

func TestEvaluator_NotifyFailureStillTriggers(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("telegram down")
	a := f.add(t, models.Above, 100, true)

	f.equity.set("SBER", 101)
	f.eval.Tick(context.Background())
	f.eval.Tick(context.Background())

	if !f.eval.Triggered(a.ID) || f.notifier.count() != 1 {
		t.Errorf("triggered = %v, attempts = %d; failed sends are not retried", f.eval.Triggered(a.ID), f.notifier.count())
	}
}

func TestEvaluator_PrunesStateOfRemovedAlerts(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, models.Above, 100, true)

	f.equity.set("SBER", 101)
	f.eval.Tick(context.Background())
	_ = f.store.Remove(a)
	f.eval.Tick(context.Background())

	if f.eval.Triggered(a.ID) {
		t.Error("state of a removed alert must be pruned")
	}
}

type flakyStore struct {
	*alert.MemoryStore
	failRemovals int
	removeCalls  int
}

func (s *flakyStore) Remove(a models.Alert) error {
	s.removeCalls++
	if s.removeCalls <= s.failRemovals {
		return errors.New("locked")
	}
	return s.MemoryStore.Remove(a)
}

func TestEvaluator_FailedRemovalDoesNotRefire(t *testing.T) {
	store := &flakyStore{MemoryStore: alert.NewMemoryStore(), failRemovals: 1}
	quotes := newFakeQuotes()
	notifier := &recordingNotifier{}
	e := New(store, map[models.AssetClass]QuoteSource{models.Equity: quotes}, notifier, nil, DefaultConfig(), logger.Nop(), nil)
	_ = store.Save(models.NewAlert(1, 1, "SBER", models.Equity, models.Above, 100, false))

	quotes.set("SBER", 101)
	e.Tick(context.Background())
	e.Tick(context.Background())

	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
	if all, _ := store.All(); len(all) != 0 || store.removeCalls != 2 {
		t.Errorf("removal must be retried on the next pass: alerts %v, calls %d", all, store.removeCalls)
	}
}

func TestEvaluator_ConcurrentTicksAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Above, 100, false)
	f.equity.set("SBER", 101)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.eval.Tick(context.Background())
		}()
	}
	wg.Wait()

	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want exactly 1", f.notifier.count())
	}
}

func TestEvaluator_CheckpointRestoresTriggerState(t *testing.T) {
	s, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	quotes := newFakeQuotes()
	notifier := &recordingNotifier{}
	sources := map[models.AssetClass]QuoteSource{models.Equity: quotes}
	a := models.NewAlert(1, 1, "SBER", models.Equity, models.Above, 100, true)
	if err := s.Save(a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first := New(s, sources, notifier, s, Config{CheckpointInterval: 1}, logger.Nop(), nil)
	quotes.set("SBER", 101)
	first.Tick(context.Background())
	first.Shutdown()

	restarted := New(s, sources, notifier, s, Config{}, logger.Nop(), nil)
	if !restarted.Triggered(a.ID) {
		t.Fatal("trigger state must survive a restart")
	}
	restarted.Tick(context.Background())
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1 after restart", notifier.count())
	}
}

type brokenStore struct{ alert.MemoryStore }

func (*brokenStore) All() ([]models.Alert, error) { return nil, errors.New("database is locked") }

func TestEvaluator_StoreFailureIsReturned(t *testing.T) {
	e := New(&brokenStore{}, nil, &recordingNotifier{}, nil, DefaultConfig(), logger.Nop(), nil)
	if _, err := e.Tick(context.Background()); err == nil {
		t.Error("expected error when the store cannot be listed")
	}
}
