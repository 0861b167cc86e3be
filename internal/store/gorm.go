package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/model"
)

const defaultMaxTries = 8

// errStale marks a compare-and-swap that lost to a concurrent writer.
var errStale = errors.New("stale ticket version")

// GormStore persists tickets through GORM. AtomicUpdate is a compare-and-swap on the
// version column, retried with jittered exponential backoff.
type GormStore struct {
	db       *gorm.DB
	maxTries uint
	now      func() time.Time
}

var _ TicketStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, maxTries: defaultMaxTries, now: time.Now}
}

func (s *GormStore) Get(ctx context.Context, id string) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, "ticket_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) Create(ctx context.Context, t *model.Ticket) error {
	t.Version = 1
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.ErrTicketExists
		}
		return err
	}
	return nil
}

func (s *GormStore) AtomicUpdate(ctx context.Context, id string, mutate Mutator) (*model.Ticket, error) {
	attempt := func() (*model.Ticket, error) {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, backoff.Permanent(err)
		}
		next.TicketID = cur.TicketID
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()

		res := s.db.WithContext(ctx).
			Model(&model.Ticket{}).
			Where("ticket_id = ? AND version = ?", id, cur.Version).
			Select("*").
			Omit("ticket_id", "created_at").
			Updates(next)
		if res.Error != nil {
			return nil, backoff.Permanent(fmt.Errorf("update ticket: %w", res.Error))
		}
		if res.RowsAffected == 0 {
			return nil, errStale
		}
		return next, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	t, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		if errors.Is(err, errStale) {
			return nil, fmt.Errorf("ticket %s: %w", id, errs.ErrConflict)
		}
		return nil, err
	}
	return t, nil
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]*model.Ticket, int64, error) {
	var items []*model.Ticket
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.Ticket{})
	if f.Stage != "" {
		tx = tx.Where("stage = ?", f.Stage)
	}
	if f.Participant != "" {
		tx = tx.Where("creator_id = ? OR counterparty_id = ?", f.Participant, f.Participant)
	}
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	if f.Offset > 0 {
		tx = tx.Offset(f.Offset)
	}
	if err := tx.Order("created_at DESC").Order("ticket_id").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
