package cases

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory case store for demo/development mode and tests.
type MemoryStore struct {
	cases   map[string]*Case
	payouts map[string]*Payout
	income  map[string]*PlatformIncome
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory case store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:   make(map[string]*Case),
		payouts: make(map[string]*Payout),
		income:  make(map[string]*PlatformIncome),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[c.ID]; ok {
		return ErrConflict
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) FindByEscrowIntent(_ context.Context, intentID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if intentID == "" {
		return nil, ErrCaseNotFound
	}
	for _, c := range m.cases {
		if c.EscrowIntentID == intentID {
			return c.Clone(), nil
		}
	}
	return nil, ErrCaseNotFound
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from, to Status, at time.Time) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status != from {
		return nil, ErrConflict
	}
	c.Status = to
	c.UpdatedAt = at
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mutateLocked(id, fn)
}

// caller holds m.mu
func (m *MemoryStore) mutateLocked(id string, fn MutateFunc) (*Case, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	work := c.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if work.EscrowIntentID != "" && work.EscrowIntentID != c.EscrowIntentID {
		for otherID, other := range m.cases {
			if otherID != id && other.EscrowIntentID == work.EscrowIntentID {
				return nil, fmt.Errorf("%w: escrow intent already linked to another case", ErrConflict)
			}
		}
	}
	work.ID = c.ID
	work.Version = c.Version + 1
	work.UpdatedAt = time.Now()
	m.cases[id] = work
	return work.Clone(), nil
}

func (m *MemoryStore) RecordPayout(_ context.Context, id string, payout *Payout, income *PlatformIncome, fn MutateFunc) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[id]; ok {
		return nil, ErrPayoutExists
	}
	if _, ok := m.income[id]; ok {
		return nil, ErrIncomeExists
	}
	updated, err := m.mutateLocked(id, fn)
	if err != nil {
		return nil, err
	}
	p := *payout
	p.CaseID = id
	m.payouts[id] = &p
	if income != nil {
		inc := *income
		inc.CaseID = id
		m.income[id] = &inc
	}
	return updated, nil
}

func (m *MemoryStore) GetPayout(_ context.Context, caseID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[caseID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPlatformIncome(_ context.Context, caseID string) (*PlatformIncome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.income[caseID]
	if !ok {
		return nil, ErrIncomeNotFound
	}
	cp := *inc
	return &cp, nil
}

func (m *MemoryStore) ListPurgeDue(_ context.Context, now time.Time, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Case
	for _, c := range m.cases {
		if c.PurgeScheduledFor != nil && !c.PurgeScheduledFor.After(now) && c.PurgedAt == nil {
			due = append(due, c.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].PurgeScheduledFor.Before(*due[j].PurgeScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PayoutCount returns the number of payout rows for a case (for testing).
func (m *MemoryStore) PayoutCount(caseID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.payouts[caseID]; ok {
		return 1
	}
	return 0
}
