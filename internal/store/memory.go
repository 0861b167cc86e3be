package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/model"
)

// Memory is an in-process TicketStore. Updates to one ticket are serialized by that
// ticket's own mutex; the map lock is only held for lookups.
type Memory struct {
	mu      sync.Mutex
	tickets map[string]*model.Ticket
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

var _ TicketStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tickets: make(map[string]*model.Ticket),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, errs.ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.TicketID]; ok {
		return errs.ErrTicketExists
	}
	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1
	m.tickets[t.TicketID] = t.Clone()
	m.locks[t.TicketID] = &sync.Mutex{}
	return nil
}

func (m *Memory) AtomicUpdate(ctx context.Context, id string, mutate Mutator) (*model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	lock, ok := m.locks[id]
	m.mu.Unlock()
	if !ok {
		return nil, errs.ErrTicketNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cur := m.tickets[id]
	m.mu.Unlock()

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.TicketID = cur.TicketID
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now()

	m.mu.Lock()
	m.tickets[id] = next
	m.mu.Unlock()
	return next.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]*model.Ticket, int64, error) {
	m.mu.Lock()
	var items []*model.Ticket
	for _, t := range m.tickets {
		if f.match(t) {
			items = append(items, t.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].TicketID < items[j].TicketID
	})
	total := int64(len(items))
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []*model.Ticket{}, total, nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(items) {
		items = items[:f.Limit]
	}
	return items, total, nil
}
