// Package queue carries wake-up hints from producers to idle workers.
//
// Hints are advisory. Postgres stays the source of truth: a worker that
// misses a hint finds the job on its next poll.
package queue

import (
	"context"
	"errors"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/jobq/internal/domain"
)

// maxPending bounds each wake list so hints for types nobody consumes
// cannot grow without limit.
const maxPending = 1000

type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func wakeKey(t domain.Type) string { return "wake:" + string(t) }

// Notify tells one idle worker polling for t that a job is ready.
func (q *RedisQ) Notify(ctx context.Context, t domain.Type) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, wakeKey(t), time.Now().UnixMilli())
	pipe.LTrim(ctx, wakeKey(t), 0, maxPending-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a hint for one of types arrives, timeout elapses or ctx
// is done. The returned bool reports whether a hint was received.
func (q *RedisQ) Wait(ctx context.Context, timeout time.Duration, types ...domain.Type) (bool, error) {
	if len(types) == 0 {
		return Sleep{}.Wait(ctx, timeout)
	}
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = wakeKey(t)
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return len(res) == 2, nil
}

// Drain discards pending hints for t.
func (q *RedisQ) Drain(ctx context.Context, t domain.Type) error {
	return q.rdb.Del(ctx, wakeKey(t)).Err()
}

// Sleep waits out the timeout. It is the waiter when Redis is not configured.
type Sleep struct{}

func (Sleep) Wait(ctx context.Context, timeout time.Duration, _ ...domain.Type) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return false, nil
}

// Nop drops hints. It is the notifier when Redis is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Type) error { return nil }
