package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/model"
)

func newTicket(id string) *model.Ticket {
	return &model.Ticket{
		TicketID:       id,
		Stage:          model.StageAwaitingRoles,
		CreatorID:      "alice",
		CounterpartyID: "bob",
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Create(ctx, newTicket("t1")))
	assert.ErrorIs(t, s.Create(ctx, newTicket("t1")), errs.ErrTicketExists)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAwaitingRoles, got.Stage)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrTicketNotFound)
}

func TestMemory_AtomicUpdate_MutatorErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newTicket("t1")))

	boom := errors.New("boom")
	_, err := s.AtomicUpdate(ctx, "t1", func(tk *model.Ticket) error {
		tk.Stage = model.StageCancelled
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAwaitingRoles, got.Stage)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemory_AtomicUpdate_NotFound(t *testing.T) {
	_, err := NewMemory().AtomicUpdate(context.Background(), "nope", func(*model.Ticket) error { return nil })
	assert.ErrorIs(t, err, errs.ErrTicketNotFound)
}

func TestMemory_AtomicUpdate_ReturnedTicketIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newTicket("t1")))

	got, err := s.AtomicUpdate(ctx, "t1", func(tk *model.Ticket) error {
		tk.BuyerID = model.Ptr("alice")
		return nil
	})
	require.NoError(t, err)
	*got.BuyerID = "mallory"

	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", *again.BuyerID)
}

func TestMemory_AtomicUpdate_SerializesPerTicket(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newTicket("t1")))

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicUpdate(ctx, "t1", func(tk *model.Ticket) error {
				tk.PayoutAttempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workers, got.PayoutAttempts)
	assert.Equal(t, int64(workers+1), got.Version)
}
