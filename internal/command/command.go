// Package command dispatches chat commands through a descriptor table that declares each
// command's required plan and daily quota.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/quota"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrPlanRequired   = errors.New("plan required")
	ErrQuotaExceeded  = errors.New("daily quota exceeded")
	ErrUsage          = errors.New("usage")
)

// Plan is a subscription tier. Higher plans include lower ones.
type Plan int

const (
	Free Plan = iota
	Pro
	Premium
)

func (p Plan) String() string {
	switch p {
	case Free:
		return "free"
	case Pro:
		return "pro"
	case Premium:
		return "premium"
	}
	return "unknown"
}

// ParsePlan accepts the lower-case plan names.
func ParsePlan(s string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "":
		return Free, nil
	case "pro":
		return Pro, nil
	case "premium":
		return Premium, nil
	}
	return Free, fmt.Errorf("unknown plan %q", s)
}

// Request is one parsed command invocation.
type Request struct {
	UserID int64
	ChatID int64
	Args   []string
}

// Handler executes a command and returns the reply text.
type Handler func(ctx context.Context, req Request) (string, error)

// Descriptor declares a command. An empty QuotaName means the command is not metered.
type Descriptor struct {
	Name         string
	Description  string
	RequiredPlan Plan
	QuotaName    string
	QuotaLimit   int
	Handler      Handler
}

// PlanResolver returns the plan a user is subscribed to.
type PlanResolver func(userID int64) Plan

type Dispatcher struct {
	commands map[string]Descriptor
	order    []string
	limiter  *quota.Limiter
	plans    PlanResolver
	log      *logger.Logger
}

func NewDispatcher(limiter *quota.Limiter, plans PlanResolver, log *logger.Logger) *Dispatcher {
	if plans == nil {
		plans = func(int64) Plan { return Free }
	}
	return &Dispatcher{
		commands: make(map[string]Descriptor),
		limiter:  limiter,
		plans:    plans,
		log:      log,
	}
}

// Register adds descriptors to the table. Names are unique.
func (d *Dispatcher) Register(descs ...Descriptor) error {
	for _, desc := range descs {
		name := strings.ToLower(desc.Name)
		if name == "" || desc.Handler == nil {
			return fmt.Errorf("invalid command descriptor %q", desc.Name)
		}
		if _, exists := d.commands[name]; exists {
			return fmt.Errorf("command %q already registered", name)
		}
		if desc.QuotaName != "" && d.limiter == nil {
			return fmt.Errorf("command %q has a quota but no limiter is configured", name)
		}
		desc.Name = name
		d.commands[name] = desc
		d.order = append(d.order, name)
	}
	return nil
}

// Commands returns the registered descriptors in registration order.
func (d *Dispatcher) Commands() []Descriptor {
	out := make([]Descriptor, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.commands[name])
	}
	return out
}

// Dispatch checks the plan and quota of the named command and then runs its handler.
// Quota is only consumed by successful invocations.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, req Request) (string, error) {
	desc, ok := d.commands[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	if plan := d.plans(req.UserID); plan < desc.RequiredPlan {
		return "", fmt.Errorf("%w: /%s needs %s, user %d is on %s",
			ErrPlanRequired, desc.Name, desc.RequiredPlan, req.UserID, plan)
	}

	if desc.QuotaName != "" {
		remaining, err := d.limiter.Remaining(req.UserID, desc.QuotaName, desc.QuotaLimit)
		if err != nil {
			return "", fmt.Errorf("failed to check quota: %w", err)
		}
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %s allows %d per day", ErrQuotaExceeded, desc.QuotaName, desc.QuotaLimit)
		}
	}

	reply, err := desc.Handler(ctx, req)
	if err != nil {
		return "", err
	}

	if desc.QuotaName != "" {
		if _, err := d.limiter.Allow(req.UserID, desc.QuotaName, desc.QuotaLimit); err != nil {
			d.log.Warn("Failed to record %s usage for user %d: %v", desc.QuotaName, req.UserID, err)
		}
	}
	return reply, nil
}

// Parse splits "/cmd@bot a b" into ("cmd", ["a", "b"]). ok is false for non-command text.
func Parse(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}
