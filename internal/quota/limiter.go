// Package quota enforces per-user daily usage limits.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// dayLayout identifies a calendar day in the limiter's time zone.
const dayLayout = "2006-01-02"

// Usage is the count consumed on Day.
type Usage struct {
	Day   string
	Count int
}

// UsageTable persists usage per (user, quota). Load returns a zero Usage when nothing is stored.
type UsageTable interface {
	Load(userID int64, quota string) (Usage, error)
	Store(userID int64, quota string, u Usage) error
}

type usageKey struct {
	userID int64
	quota  string
}

// MemoryUsage is an in-memory UsageTable.
type MemoryUsage struct {
	mu    sync.Mutex
	usage map[usageKey]Usage
}

func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{usage: make(map[usageKey]Usage)}
}

func (m *MemoryUsage) Load(userID int64, quota string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[usageKey{userID, quota}], nil
}

func (m *MemoryUsage) Store(userID int64, quota string, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey{userID, quota}] = u
	return nil
}

// Limiter counts uses per calendar day. The day boundary is midnight in loc.
type Limiter struct {
	mu    sync.Mutex
	table UsageTable
	now   func() time.Time
	loc   *time.Location
}

// NewLimiter creates a limiter over table. A nil now uses time.Now; a nil loc uses UTC.
func NewLimiter(table UsageTable, now func() time.Time, loc *time.Location) *Limiter {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{table: table, now: now, loc: loc}
}

func (l *Limiter) today() string {
	return l.now().In(l.loc).Format(dayLayout)
}

// Allow consumes one use of quota for userID and reports whether it was within limit.
// A denied call consumes nothing.
func (l *Limiter) Allow(userID int64, quota string, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.today()
	u, err := l.table.Load(userID, quota)
	if err != nil {
		return false, fmt.Errorf("failed to load usage: %w", err)
	}
	if u.Day != today {
		u = Usage{Day: today}
	}
	if u.Count >= limit {
		return false, nil
	}

	u.Count++
	if err := l.table.Store(userID, quota, u); err != nil {
		return false, fmt.Errorf("failed to store usage: %w", err)
	}
	return true, nil
}

// Remaining returns how many uses of quota userID has left today.
func (l *Limiter) Remaining(userID int64, quota string, limit int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.table.Load(userID, quota)
	if err != nil {
		return 0, fmt.Errorf("failed to load usage: %w", err)
	}
	if u.Day != l.today() {
		return limit, nil
	}
	if u.Count >= limit {
		return 0, nil
	}
	return limit - u.Count, nil
}
