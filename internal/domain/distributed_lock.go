package domain

import (
	"context"
	"time"
)

type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error)
	// Refresh extends a lock this holder still owns and reports false once it has been lost.
	Refresh(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (held bool, err error)
	Unlock(ctx context.Context, lockKey string) (err error)
	Close() error
}
