package command

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/tickwatch/internal/alert"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
	"github.com/rewired-gh/tickwatch/internal/quota"
)

type stubQuotes map[string]models.Quote

func (s stubQuotes) GetQuote(_ context.Context, symbol string) (models.Quote, error) {
	q, ok := s[symbol]
	if !ok {
		return models.Quote{}, models.ErrPriceUnavailable
	}
	return q, nil
}

type harness struct {
	store      *alert.MemoryStore
	dispatcher *Dispatcher
	now        time.Time
}

func newHarness(t *testing.T, plans map[int64]Plan) *harness {
	t.Helper()
	h := &harness{
		store: alert.NewMemoryStore(),
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	limiter := quota.NewLimiter(quota.NewMemoryUsage(), func() time.Time { return h.now }, time.UTC)
	resolve := func(userID int64) Plan { return plans[userID] }
	h.dispatcher = NewDispatcher(limiter, resolve, logger.Nop())

	quotes := map[models.AssetClass]QuoteSource{
		models.Equity: stubQuotes{"SBER": {Price: 280.5, DayChangePercent: 1.234}},
		models.Crypto: stubQuotes{"BTC": {Price: 65000, DayChangePercent: -2.5}},
	}
	if err := h.dispatcher.Register(Builtin(h.store, quotes, Limits{AlertsPerDay: 2, QuotesPerDay: 10})...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return h
}

func (h *harness) run(user int64, text string) (string, error) {
	name, args, ok := Parse(text)
	if !ok {
		return "", errors.New("not a command")
	}
	return h.dispatcher.Dispatch(context.Background(), name, Request{UserID: user, ChatID: user * 10, Args: args})
}

func TestParse(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{"/ping", "ping", []string{}, true},
		{"/Alert@tickwatch_bot SBER above 250", "alert", []string{"SBER", "above", "250"}, true},
		{"  /alerts  ", "alerts", []string{}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.text)
		if ok != tt.wantOK || name != tt.wantName {
			t.Errorf("Parse(%q) = %q, %v, want %q, %v", tt.text, name, ok, tt.wantName, tt.wantOK)
			continue
		}
		if ok && !reflect.DeepEqual(args, tt.wantArgs) {
			t.Errorf("Parse(%q) args = %v, want %v", tt.text, args, tt.wantArgs)
		}
	}
}

func TestParsePlan(t *testing.T) {
	for in, want := range map[string]Plan{"": Free, "free": Free, "PRO": Pro, "premium": Premium} {
		got, err := ParsePlan(in)
		if err != nil || got != want {
			t.Errorf("ParsePlan(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePlan("gold"); err == nil {
		t.Error("expected error for unknown plan")
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.run(1, "/nope"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestDispatcher_RegisterRejectsDuplicates(t *testing.T) {
	d := NewDispatcher(nil, nil, logger.Nop())
	ping := Descriptor{Name: "ping", Handler: func(context.Context, Request) (string, error) { return "", nil }}
	if err := d.Register(ping); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(ping); err == nil {
		t.Error("duplicate name must be rejected")
	}
	metered := Descriptor{Name: "metered", QuotaName: "q", QuotaLimit: 1, Handler: ping.Handler}
	if err := d.Register(metered); err == nil {
		t.Error("quota without limiter must be rejected")
	}
	if got := d.Commands(); len(got) != 1 || got[0].Name != "ping" {
		t.Errorf("Commands = %v", got)
	}
}

func TestDispatcher_PlanGate(t *testing.T) {
	h := newHarness(t, map[int64]Plan{2: Pro, 3: Premium})

	if _, err := h.run(1, "/watch SBER above 300"); !errors.Is(err, ErrPlanRequired) {
		t.Errorf("free user: err = %v, want ErrPlanRequired", err)
	}
	for _, user := range []int64{2, 3} {
		reply, err := h.run(user, "/watch SBER above 300")
		if err != nil {
			t.Fatalf("user %d: %v", user, err)
		}
		if !strings.HasSuffix(reply, "SBER > 300 [perm]") {
			t.Errorf("reply = %q", reply)
		}
	}
}

func TestDispatcher_QuotaOnlyCountsSuccess(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.run(1, "/alert SBER above nope"); !errors.Is(err, ErrUsage) {
		t.Fatalf("err = %v, want ErrUsage", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.run(1, "/alert SBER above 300"); err != nil {
			t.Fatalf("alert %d: %v", i+1, err)
		}
	}
	if _, err := h.run(1, "/alert SBER above 300"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("third alert: err = %v, want ErrQuotaExceeded", err)
	}
	if _, err := h.run(2, "/alert SBER above 300"); err != nil {
		t.Errorf("other users keep their own quota: %v", err)
	}

	h.now = h.now.Add(24 * time.Hour)
	if _, err := h.run(1, "/alert SBER above 300"); err != nil {
		t.Errorf("quota must reset the next day: %v", err)
	}
}

func TestHandlers_AlertLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	reply, err := h.run(5, "/alert btc below 60000.50 perm crypto")
	if err != nil {
		t.Fatalf("/alert: %v", err)
	}
	all, _ := h.store.All()
	if len(all) != 1 {
		t.Fatalf("store has %d alerts", len(all))
	}
	a := all[0]
	if a.Symbol != "BTC" || a.Direction != models.Below || a.Target != 60000.5 || !a.Permanent ||
		a.AssetClass != models.Crypto || a.OwnerID != 5 || a.DestinationID != 50 {
		t.Errorf("unexpected alert %+v", a)
	}
	if reply != "Alert set: "+a.ID+" BTC < 60000.5 [perm] [crypto]" {
		t.Errorf("reply = %q", reply)
	}

	list, _ := h.run(5, "/alerts")
	if list != a.ID+" BTC < 60000.5 [perm] [crypto]" {
		t.Errorf("/alerts = %q", list)
	}
	if other, _ := h.run(6, "/alerts"); other != "No alerts." {
		t.Errorf("/alerts for another user = %q", other)
	}

	if _, err := h.run(6, "/unalert "+a.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("removing someone else's alert: err = %v", err)
	}
	if reply, err := h.run(5, "/unalert "+a.ID); err != nil || reply != "Alert removed." {
		t.Errorf("/unalert = %q, %v", reply, err)
	}
	if all, _ := h.store.All(); len(all) != 0 {
		t.Errorf("alert not removed: %v", all)
	}
}

func TestHandlers_AlertUsageErrors(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{
		"/alert",
		"/alert SBER above",
		"/alert SBER sideways 10",
		"/alert SBER above -5",
		"/alert SBER above 0",
		"/alert SBER above 10 weekly",
		"/unalert",
	} {
		if _, err := h.run(1, text); !errors.Is(err, ErrUsage) {
			t.Errorf("%q: err = %v, want ErrUsage", text, err)
		}
	}
}

func TestHandlers_Quote(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		text string
		want string
	}{
		{"/ping", "pong"},
		{"/quote sber", "SBER: 280.5 (+1.23%)"},
		{"/quote btc crypto", "BTC: 65000 (-2.50%)"},
		{"/quote GAZP", "No price for GAZP"},
	}
	for _, tt := range tests {
		got, err := h.run(1, tt.text)
		if err != nil {
			t.Errorf("%q: %v", tt.text, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %q, want %q", tt.text, got, tt.want)
		}
	}
}
