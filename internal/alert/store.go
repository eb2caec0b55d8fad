// Package alert holds the alert store contract and its in-memory implementation.
package alert

import (
	"fmt"
	"sync"

	"github.com/rewired-gh/tickwatch/internal/models"
)

// Store keeps alert rules. Implementations must serialize Save, All and Remove.
type Store interface {
	Save(a models.Alert) error
	// All returns a snapshot in insertion order. Callers may Remove members of it while iterating.
	All() ([]models.Alert, error)
	// Remove deletes the alert with a's ID. Removing an absent alert is not an error.
	Remove(a models.Alert) error
}

// MemoryStore is an ordered in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []models.Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends a, or replaces the stored alert with the same ID in place.
func (s *MemoryStore) Save(a models.Alert) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == a.ID {
			s.alerts[i] = a
			return nil
		}
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *MemoryStore) All() ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out, nil
}

func (s *MemoryStore) Remove(a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == a.ID {
			s.alerts = append(s.alerts[:i], s.alerts[i+1:]...)
			return nil
		}
	}
	return nil
}

// ByOwner returns the owner's alerts in insertion order.
func (s *MemoryStore) ByOwner(ownerID int64) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Alert
	for _, a := range s.alerts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Get returns the alert with id, or models.ErrNotFound.
func (s *MemoryStore) Get(id string) (models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return models.Alert{}, models.ErrNotFound
}
