package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleSetStore manages rule set persistence and retrieval
type RuleSetStore interface {
	// Add a new rule set
	Add(rs *RuleSet) error

	// Get a rule set by ID
	Get(id string) (*RuleSet, error)

	// List all active rule sets, oldest first
	ListActive() ([]*RuleSet, error)

	// Update an existing rule set
	Update(rs *RuleSet) error

	// Delete a rule set
	Delete(id string) error
}

// InMemoryRuleSetStore implements RuleSetStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleSetStore struct {
	ruleSets map[string]*RuleSet
	mu       sync.RWMutex
}

// NewInMemoryRuleSetStore creates a new in-memory rule set store
func NewInMemoryRuleSetStore() *InMemoryRuleSetStore {
	return &InMemoryRuleSetStore{
		ruleSets: make(map[string]*RuleSet),
	}
}

// Add adds a new rule set, enforcing unique IDs and stamping CreatedAt/UpdatedAt
func (s *InMemoryRuleSetStore) Add(rs *RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ruleSets[rs.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleSetExists, rs.ID)
	}

	now := time.Now()
	rs.CreatedAt = now
	rs.UpdatedAt = now
	s.ruleSets[rs.ID] = rs
	return nil
}

// Get retrieves a rule set by ID
func (s *InMemoryRuleSetStore) Get(id string) (*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, exists := s.ruleSets[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, id)
	}
	return rs, nil
}

// ListActive returns all active rule sets ordered by creation time
func (s *InMemoryRuleSetStore) ListActive() ([]*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*RuleSet
	for _, rs := range s.ruleSets {
		if rs.Active {
			active = append(active, rs)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Update replaces an existing rule set, preserving CreatedAt
func (s *InMemoryRuleSetStore) Update(rs *RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.ruleSets[rs.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleSetNotFound, rs.ID)
	}

	rs.CreatedAt = existing.CreatedAt
	rs.UpdatedAt = time.Now()
	s.ruleSets[rs.ID] = rs
	return nil
}

// Delete removes a rule set from the store
func (s *InMemoryRuleSetStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ruleSets[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleSetNotFound, id)
	}

	delete(s.ruleSets, id)
	return nil
}
