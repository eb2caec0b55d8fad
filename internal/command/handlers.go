package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tickwatch/internal/alert"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// AlertStore is the alert store as seen by chat commands.
type AlertStore interface {
	alert.Store
	ByOwner(ownerID int64) ([]models.Alert, error)
	Get(id string) (models.Alert, error)
}

// QuoteSource answers price queries for one asset class.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// Limits configures the metered commands.
type Limits struct {
	AlertsPerDay int
	QuotesPerDay int
}

// Builtin returns the descriptor table of the bot's commands.
func Builtin(store AlertStore, quotes map[models.AssetClass]QuoteSource, limits Limits) []Descriptor {
	h := &handlers{store: store, quotes: quotes}
	return []Descriptor{
		{
			Name:        "ping",
			Description: "check that the bot is alive",
			Handler:     h.ping,
		},
		{
			Name:        "quote",
			Description: "SYMBOL [crypto] - current price",
			QuotaName:   "quote",
			QuotaLimit:  limits.QuotesPerDay,
			Handler:     h.quote,
		},
		{
			Name:        "alert",
			Description: "SYMBOL above|below PRICE [perm] [crypto] - set a price alert",
			QuotaName:   "alert",
			QuotaLimit:  limits.AlertsPerDay,
			Handler:     h.alert,
		},
		{
			Name:        "alerts",
			Description: "list your alerts",
			Handler:     h.alerts,
		},
		{
			Name:        "unalert",
			Description: "ID - remove an alert",
			Handler:     h.unalert,
		},
		{
			Name:         "watch",
			Description:  "SYMBOL above|below PRICE [crypto] - permanent alert with re-arming",
			RequiredPlan: Pro,
			Handler:      h.watch,
		},
	}
}

type handlers struct {
	store  AlertStore
	quotes map[models.AssetClass]QuoteSource
}

func (h *handlers) ping(context.Context, Request) (string, error) {
	return "pong", nil
}

func (h *handlers) quote(ctx context.Context, req Request) (string, error) {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return "", fmt.Errorf("%w: /quote SYMBOL [crypto]", ErrUsage)
	}
	symbol := strings.ToUpper(req.Args[0])
	class := models.Equity
	if len(req.Args) == 2 {
		if !strings.EqualFold(req.Args[1], "crypto") {
			return "", fmt.Errorf("%w: /quote SYMBOL [crypto]", ErrUsage)
		}
		class = models.Crypto
	}

	source, ok := h.quotes[class]
	if !ok {
		return "", fmt.Errorf("no quote source for %s", class)
	}
	q, err := source.GetQuote(ctx, symbol)
	if errors.Is(err, models.ErrPriceUnavailable) {
		return fmt.Sprintf("No price for %s", symbol), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get quote: %w", err)
	}

	change := decimal.NewFromFloat(q.DayChangePercent).Round(2)
	sign := ""
	if change.IsPositive() {
		sign = "+"
	}
	return fmt.Sprintf("%s: %s (%s%s%%)", symbol, decimal.NewFromFloat(q.Price).String(), sign, change.StringFixed(2)), nil
}

func (h *handlers) alert(_ context.Context, req Request) (string, error) {
	return h.createAlert(req, false, "/alert SYMBOL above|below PRICE [perm] [crypto]")
}

func (h *handlers) watch(_ context.Context, req Request) (string, error) {
	return h.createAlert(req, true, "/watch SYMBOL above|below PRICE [crypto]")
}

func (h *handlers) createAlert(req Request, permanent bool, usage string) (string, error) {
	if len(req.Args) < 3 {
		return "", fmt.Errorf("%w: %s", ErrUsage, usage)
	}
	dir, err := models.ParseDirection(req.Args[1])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUsage, usage)
	}
	target, err := decimal.NewFromString(req.Args[2])
	if err != nil || !target.IsPositive() {
		return "", fmt.Errorf("%w: PRICE must be a positive number", ErrUsage)
	}

	class := models.Equity
	for _, flag := range req.Args[3:] {
		switch strings.ToLower(flag) {
		case "perm", "permanent":
			permanent = true
		case "crypto":
			class = models.Crypto
		default:
			return "", fmt.Errorf("%w: %s", ErrUsage, usage)
		}
	}

	a := models.NewAlert(req.UserID, req.ChatID, req.Args[0], class, dir, target.InexactFloat64(), permanent)
	if err := h.store.Save(a); err != nil {
		return "", err
	}
	return "Alert set: " + describe(a), nil
}

func (h *handlers) alerts(_ context.Context, req Request) (string, error) {
	list, err := h.store.ByOwner(req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to list alerts: %w", err)
	}
	if len(list) == 0 {
		return "No alerts.", nil
	}
	lines := make([]string, 0, len(list))
	for _, a := range list {
		lines = append(lines, describe(a))
	}
	return strings.Join(lines, "\n"), nil
}

func (h *handlers) unalert(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("%w: /unalert ID", ErrUsage)
	}
	a, err := h.store.Get(req.Args[0])
	if err != nil || a.OwnerID != req.UserID {
		return "", fmt.Errorf("%w: alert %s", models.ErrNotFound, req.Args[0])
	}
	if err := h.store.Remove(a); err != nil {
		return "", fmt.Errorf("failed to remove alert: %w", err)
	}
	return "Alert removed.", nil
}

// describe renders "id SBER > 250.5 [perm] [crypto]".
func describe(a models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s", a.ID, a.Symbol, a.Direction.Symbol(), decimal.NewFromFloat(a.Target).String())
	if a.Permanent {
		b.WriteString(" [perm]")
	}
	if a.AssetClass == models.Crypto {
		b.WriteString(" [crypto]")
	}
	return b.String()
}
