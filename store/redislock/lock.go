/*
Package redislock implements enrollment.Locker on Redis.

PURPOSE:
  enrollment.KeyedLocker serializes one process. When several API
  instances share a database, the pair lock has to be shared too; this
  package provides the same Acquire contract across processes.

PROTOCOL:
  acquire: SET enrollment-lock:{student}:{course} <holder-uuid> NX PX <ttl>
           retried with capped backoff until Timeout
  release: compare-and-delete script, so a holder whose TTL expired can
           never delete a lock that now belongs to someone else

TTL:
  TTL bounds how long a crashed holder blocks the pair. It must exceed
  the transaction timeout, otherwise a slow but live holder could lose
  the lock mid-transaction.

SEE ALSO:
  - enrollment/lock.go: Locker interface, process-local implementation
  - cmd/server/main.go: Selected when REDIS_ADDR is set
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/logging"
)

const (
	DefaultPrefix = "enrollment-lock"
	DefaultTTL    = 30 * time.Second

	minBackoff = 10 * time.Millisecond
	maxBackoff = 200 * time.Millisecond
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures a Locker. Zero values take the defaults.
type Options struct {
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration
}

// Locker is a Redis-backed enrollment.Locker.
type Locker struct {
	rdb  goredis.UniversalClient
	opts Options
	log  *logging.Logger
}

var _ enrollment.Locker = (*Locker)(nil)

func New(rdb goredis.UniversalClient, opts Options, log *logging.Logger) *Locker {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = enrollment.DefaultLockTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Locker{rdb: rdb, opts: opts, log: log.With("component", "redislock")}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (l *Locker) key(pair enrollment.Pair) string {
	return fmt.Sprintf("%s:%d:%d", l.opts.Prefix, pair.StudentID, pair.CourseID)
}

// Acquire takes the pair lock or gives up after Timeout with a
// *enrollment.LockBusyError.
func (l *Locker) Acquire(ctx context.Context, pair enrollment.Pair) (func(), error) {
	key := l.key(pair)
	holder := uuid.NewString()
	start := time.Now()
	deadline := start.Add(l.opts.Timeout)
	backoff := minBackoff

	for {
		ok, err := l.rdb.SetNX(ctx, key, holder, l.opts.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &enrollment.DatabaseError{Op: "redis_lock_acquire", Retryable: true, Err: err}
		}
		if ok {
			return l.releaser(key, holder), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			current, _ := l.rdb.Get(ctx, key).Result()
			return nil, &enrollment.LockBusyError{Pair: pair, Holder: current, Waited: time.Since(start)}
		}

		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (l *Locker) releaser(key, holder string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; the lock must still go.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.rdb, []string{key}, holder).Int()
			switch {
			case err != nil && !errors.Is(err, goredis.Nil):
				l.log.Warn("lock release failed, ttl will expire it", "key", key, "error", err)
			case n == 0:
				l.log.Warn("lock expired before release", "key", key, "ttl", l.opts.TTL)
			}
		})
	}
}
