// Package dlock implements named mutual exclusion across fincore processes,
// backed by redis SET NX with a lease TTL. Concurrent payment senders
// serialize on nonce_lock:{address} through this package.
package dlock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "dlock")

// ErrNotAcquired is returned when the lock could not be taken within the
// blocking timeout (or immediately, for non-blocking acquisition).
var ErrNotAcquired = errors.New("lock not acquired")

// retryInterval is the poll cadence while waiting on a held lock.
const retryInterval = 50 * time.Millisecond

// releaseScript deletes the key only if it still holds our token, so an
// expired lease can never release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Options controls a single acquisition.
type Options struct {
	// TTL is the lease duration. Work outliving the lease is best-effort and
	// must re-check invariants before committing.
	TTL time.Duration
	// Blocking makes Acquire wait for up to BlockingTimeout.
	Blocking bool
	// BlockingTimeout bounds the wait when Blocking is set.
	BlockingTimeout time.Duration
}

// Client acquires named locks against a shared redis.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient returns a lock client over the given redis connection.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Lock is a held named lock. Release is idempotent.
type Lock struct {
	c        *Client
	key      string
	token    string
	deadline time.Time

	mu       sync.Mutex
	released bool
}

// Acquire takes the named lock. Without Options.Blocking it makes a single
// attempt; otherwise it polls until BlockingTimeout elapses or ctx is done.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	if opts.TTL <= 0 {
		return nil, errors.New("lock TTL must be positive")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(opts.BlockingTimeout)
	for {
		ok, err := c.rdb.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "could not acquire lock %q", key)
		}
		if ok {
			return &Lock{c: c, key: key, token: token, deadline: time.Now().Add(opts.TTL)}, nil
		}
		if !opts.Blocking || time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release frees the lock. Releasing twice, or after lease expiry, is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return errors.Wrapf(err, "could not release lock %q", l.key)
	}
	return nil
}

// Expired reports whether the lease TTL has elapsed. Holders should re-check
// their invariants before committing when this returns true.
func (l *Lock) Expired() bool {
	return time.Now().After(l.deadline)
}

// WithLock runs fn while holding the named lock. The lock is released before
// returning, and a context cancellation observed during fn is surfaced to the
// caller after release.
func (c *Client) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lock, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	// Release on a fresh context: the section must be unlocked even when the
	// caller's context was cancelled mid-body.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil {
		log.WithError(err).WithField("key", key).Warn("Could not release lock")
	}
	if fnErr != nil {
		return fnErr
	}
	return ctx.Err()
}
