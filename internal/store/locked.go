package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/model"
)

// ErrLockNotHeld is returned when a lock expired before it was released.
var ErrLockNotHeld = errors.New("ticket lock was not held or already expired")

// Locker hands out per-key mutual exclusion.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// RedisLocker is a Locker backed by the RedLock algorithm.
type RedisLocker struct {
	rs         *redsync.Redsync
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
}

func NewRedisLocker(client goredislib.UniversalClient) *RedisLocker {
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     10 * time.Second,
		tries:      32,
		retryDelay: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	m := l.rs.NewMutex("escrow:ticket:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock ticket %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("unlock ticket %s: %w", key, err)
		}
		if !ok {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}

// Locked serializes AtomicUpdate per ticket across service instances, for backends whose
// own update is not safe against concurrent writers on other hosts.
type Locked struct {
	TicketStore
	locker Locker
	log    *zap.Logger
}

func NewLocked(inner TicketStore, locker Locker, log *zap.Logger) *Locked {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locked{TicketStore: inner, locker: locker, log: log}
}

func (l *Locked) AtomicUpdate(ctx context.Context, id string, mutate Mutator) (*model.Ticket, error) {
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("store: release ticket lock", zap.String("ticket_id", id), zap.Error(err))
		}
	}()
	return l.TicketStore.AtomicUpdate(ctx, id, mutate)
}
