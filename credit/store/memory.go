// Package store provides in-process credit.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	nextID  credit.EntryID
	entries map[wallet][]*credit.Entry
	byID    map[credit.EntryID]*credit.Entry
}

type wallet struct {
	Subject    credit.Subject
	CreditType string
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[wallet][]*credit.Entry),
		byID:    make(map[credit.EntryID]*credit.Entry),
	}
}

// Insert assigns the next ID and stores a copy of e.
func (m *Memory) Insert(_ context.Context, e *credit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	stored := clone(*e)

	k := wallet{Subject: e.Subject, CreditType: e.CreditType}
	list := m.entries[k]

	// Binary search keeps each wallet in replay order.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(stored.CreatedAt)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = stored
	m.entries[k] = list
	m.byID[stored.ID] = stored
	return nil
}

func (m *Memory) Get(_ context.Context, id credit.EntryID) (*credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	out := clone(*e)
	return out, nil
}

func (m *Memory) Find(_ context.Context, q credit.Query) ([]credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*credit.Entry
	if q.Subject.IsZero() || q.CreditType == "" {
		for _, e := range m.byID {
			candidates = append(candidates, e)
		}
	} else {
		candidates = m.entries[wallet{Subject: q.Subject, CreditType: q.CreditType}]
	}

	var result []credit.Entry
	for _, e := range candidates {
		if q.Matches(*e) {
			result = append(result, *clone(*e))
		}
	}
	credit.SortEntries(result)
	if q.Newest {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *Memory) SetExpiresAt(_ context.Context, id credit.EntryID, at, updatedAt time.Time) error {
	return m.update(id, func(e *credit.Entry) error {
		e.ExpiresAt = &at
		e.UpdatedAt = updatedAt
		return nil
	})
}

func (m *Memory) Shrink(_ context.Context, id credit.EntryID, amount int64, notes string, updatedAt time.Time) error {
	return m.update(id, func(e *credit.Entry) error {
		e.Amount = amount
		e.Notes = notes
		e.UpdatedAt = updatedAt
		return nil
	})
}

// ApplyDelta runs under the write lock, which stands in for the row lock.
func (m *Memory) ApplyDelta(_ context.Context, id credit.EntryID, delta int64, now time.Time) error {
	return m.update(id, func(e *credit.Entry) error {
		if e.ExpiredAt(now) {
			return fmt.Errorf("entry %d: %w", id, credit.ErrEntryClosed)
		}
		e.Amount += delta
		e.UpdatedAt = now
		return nil
	})
}

func (m *Memory) update(id credit.EntryID, fn func(*credit.Entry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	return fn(e)
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func clone(e credit.Entry) *credit.Entry {
	if e.ExpiresAt != nil {
		at := *e.ExpiresAt
		e.ExpiresAt = &at
	}
	return &e
}
