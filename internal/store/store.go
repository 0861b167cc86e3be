// Package store owns the authoritative Ticket record.
//
// Every write goes through AtomicUpdate, which applies a mutator to the current record
// with no other write to the same ticket interleaving between read and write. Different
// tickets never share a lock.
package store

import (
	"context"

	"github.com/psds-microservice/escrow-service/internal/model"
)

// Mutator edits a private copy of the current ticket. Returning an error aborts the update
// and nothing is written. A mutator may be invoked more than once when a compare-and-swap
// is retried, so it must not have side effects outside the ticket.
type Mutator func(t *model.Ticket) error

// TicketStore is the persistence collaborator.
type TicketStore interface {
	Get(ctx context.Context, id string) (*model.Ticket, error)
	Create(ctx context.Context, t *model.Ticket) error
	AtomicUpdate(ctx context.Context, id string, mutate Mutator) (*model.Ticket, error)
	// List returns one page of tickets, newest first, and the total matching count.
	List(ctx context.Context, f Filter) ([]*model.Ticket, int64, error)
}

// Filter narrows List. Zero fields match everything; Limit 0 means no limit.
type Filter struct {
	Stage       model.Stage
	Participant string
	Limit       int
	Offset      int
}

func (f Filter) match(t *model.Ticket) bool {
	if f.Stage != "" && t.Stage != f.Stage {
		return false
	}
	if f.Participant != "" && !t.IsParty(f.Participant) {
		return false
	}
	return true
}
