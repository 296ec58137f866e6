package jobs

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// PollDeferralKey is the sorted set successor poll tasks wait in.
	PollDeferralKey = "poll:deferred"

	// DefaultPollInterval is how long a source rests between polls.
	DefaultPollInterval = 30 * time.Second
)

// DeferredQueue parks payloads in a redis sorted set scored by their due
// time instead of publishing them immediately. The scheduler drains due
// payloads into the real queue, so a chain of self-enqueueing tasks runs
// at a fixed cadence rather than back to back.
type DeferredQueue struct {
	redis *redis.Client
	key   string
	delay time.Duration
	now   func() time.Time
}

func NewDeferredQueue(redisConn *redis.Client, key string, delay time.Duration, opts ...Option) *DeferredQueue {
	o := newOptions(opts...)

	return &DeferredQueue{
		redis: redisConn,
		key:   key,
		delay: delay,
		now:   o.now,
	}
}

func (q *DeferredQueue) Publish(payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}

	due := float64(q.now().Add(q.delay).Unix())

	members := make([]*redis.Z, len(payloads))
	for i, payload := range payloads {
		members[i] = &redis.Z{Score: due, Member: payload}
	}

	return q.redis.ZAdd(context.Background(), q.key, members...).Err()
}
