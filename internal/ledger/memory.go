package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"payment-orchestrator/internal/model"
)

// Memory is the process-local ledger. Everything is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*model.Order
	polled map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[string]*model.Order), polled: make(map[string]time.Time)}
}

func (m *Memory) Create(_ context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return ErrDuplicate
	}
	m.orders[order.ID] = clone(order)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(order), nil
}

func (m *Memory) MarkPaid(_ context.Context, id string, paidAt time.Time, transactionID string) (bool, error) {
	return m.transition(id, func(o *model.Order) {
		o.Status = model.StatusPaid
		o.PaidAt = &paidAt
		o.TransactionID = transactionID
		o.UpdatedAt = paidAt
	})
}

func (m *Memory) MarkFailed(_ context.Context, id string, reason string) (bool, error) {
	return m.transition(id, func(o *model.Order) {
		o.Status = model.StatusFailed
		o.FailureReason = reason
		o.UpdatedAt = time.Now().UTC()
	})
}

func (m *Memory) transition(id string, apply func(o *model.Order)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if order.Status != model.StatusPending {
		return false, nil
	}

	apply(order)
	return true, nil
}

func (m *Memory) MarkPolled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	m.polled[id] = at
	return nil
}

func (m *Memory) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*model.Order
	for _, o := range m.orders {
		if o.Status == model.StatusPending && o.CreatedAt.Before(olderThan) {
			pending = append(pending, clone(o))
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		pi, iPolled := m.polled[pending[i].ID]
		pj, jPolled := m.polled[pending[j].ID]
		switch {
		case iPolled != jPolled:
			return !iPolled
		case iPolled && !pi.Equal(pj):
			return pi.Before(pj)
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func clone(o *model.Order) *model.Order {
	c := *o
	if o.PaidAt != nil {
		paidAt := *o.PaidAt
		c.PaidAt = &paidAt
	}
	return &c
}
