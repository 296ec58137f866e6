package cmd

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/adjust/rmq/v4"
	"github.com/go-co-op/gocron"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/cmdutil"
	"github.com/mentionbridge/backend/internal/jobs"
	"github.com/mentionbridge/backend/internal/repository"
)

const (
	batchSize = 250

	// Poll normally re-enqueues itself; this is how far behind a source
	// has to fall before we assume its chain died and re-seed it.
	pollStaleThreshold = 10 * time.Minute

	// How long an enqueued key stays locked against re-enqueueing. The
	// propagate window doubles as retry backoff for errored responses.
	pollLockSeconds      = 300
	propagateLockSeconds = 600
)

func SchedulerCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Args:  cobra.ExactArgs(0),
		Short: "Re-seeds lost tasks and runs periodic maintenance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cmdutil.NewLogger(false)
			defer func() { _ = logger.Sync() }()

			statsd, err := cmdutil.NewStatsdClient()
			if err != nil {
				return err
			}
			defer statsd.Close()

			db, err := cmdutil.NewDatabasePool(ctx, 1)
			if err != nil {
				return err
			}
			defer db.Close()

			redis, err := cmdutil.NewRedisClient(ctx)
			if err != nil {
				return err
			}
			defer redis.Close()

			queue, err := cmdutil.NewQueueClient(logger, redis, "scheduler")
			if err != nil {
				return err
			}

			// Eval lua so that we don't keep parsing it
			luaSha, err := evalScript(ctx, redis)
			if err != nil {
				return err
			}

			pollQueue, err := queue.OpenQueue("poll")
			if err != nil {
				return err
			}

			propagateQueue, err := queue.OpenQueue("propagate")
			if err != nil {
				return err
			}

			s := gocron.NewScheduler(time.UTC)
			_, _ = s.Every(5).Seconds().SingletonMode().Do(func() { flushDeferred(ctx, logger, redis, jobs.PollDeferralKey, pollQueue) })
			_, _ = s.Every(30).Seconds().SingletonMode().Do(func() { enqueuePolls(ctx, logger, statsd, db, redis, luaSha, pollQueue) })
			_, _ = s.Every(30).Seconds().SingletonMode().Do(func() { enqueuePropagates(ctx, logger, statsd, db, redis, luaSha, propagateQueue) })
			_, _ = s.Every(1).Second().Do(func() { cleanQueues(ctx, logger, queue) })
			_, _ = s.Every(1).Minute().Do(func() { reportStats(ctx, logger, statsd, db) })
			s.StartAsync()

			<-ctx.Done()

			s.Stop()

			return nil
		},
	}

	return cmd
}

func evalScript(ctx context.Context, redis *redis.Client) (string, error) {
	lua := `
		local retv={}
		local ids=cjson.decode(ARGV[1])
		local ttl=tonumber(ARGV[2])

		for i=1, #ids do
			local key = KEYS[1] .. ":" .. ids[i]
			if redis.call("exists", key) == 0 then
				redis.call("setex", key, ttl, 1)
				retv[#retv + 1] = ids[i]
			end
		end

		return retv
	`

	return redis.ScriptLoad(ctx, lua).Result()
}

// dedupe filters keys down to the ones not enqueued within the lock
// window, marking the survivors.
func dedupe(ctx context.Context, redisConn *redis.Client, luaSha, lockKey string, keys []string, ttl int) ([]string, error) {
	res, err := redisConn.EvalSha(ctx, luaSha, []string{lockKey}, StringSlice(keys), ttl).Result()
	if err != nil {
		return nil, err
	}

	vals := res.([]interface{})
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.(string)
	}
	return out, nil
}

// flushDeferred moves due payloads out of a deferral set into the real
// queue. A crash between publish and trim duplicates a task; the cursor
// guard makes the duplicate a no-op.
func flushDeferred(ctx context.Context, logger *zap.Logger, redisConn *redis.Client, key string, queue rmq.Queue) {
	payloads, err := redisConn.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		logger.Error("failed to fetch deferred tasks", zap.Error(err))
		return
	}

	if len(payloads) == 0 {
		return
	}

	if err := queue.Publish(payloads...); err != nil {
		logger.Error("failed to release deferred tasks", zap.Error(err))
		return
	}

	members := make([]interface{}, len(payloads))
	for i, payload := range payloads {
		members[i] = payload
	}
	if err := redisConn.ZRem(ctx, key, members...).Err(); err != nil {
		logger.Error("failed to trim deferred tasks", zap.Error(err))
		return
	}

	logger.Debug("released deferred tasks", zap.Int("count", len(payloads)))
}

func enqueuePolls(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, pool *pgxpool.Pool, redisConn *redis.Client, luaSha string, queue rmq.Queue) {
	start := time.Now()

	repo := repository.NewPostgresSource(pool)

	srcs, err := repo.ListStale(ctx, start.Add(-pollStaleThreshold), batchSize)
	if err != nil {
		logger.Error("failed to fetch batch of stale sources", zap.Error(err))
		return
	}

	if len(srcs) == 0 {
		return
	}

	keys := make([]string, len(srcs))
	cursors := make(map[string]string, len(srcs))
	for i, src := range srcs {
		keys[i] = src.Key
		cursors[src.Key] = src.PollCursor()
	}

	keys, err = dedupe(ctx, redisConn, luaSha, "locks:poll-sources", keys, pollLockSeconds)
	if err != nil {
		logger.Error("failed to check for locked sources", zap.Error(err))
		return
	}

	payloads := make([]string, 0, len(keys))
	for _, key := range keys {
		payload, err := jobs.PollTask{SourceKey: key, LastPolled: cursors[key]}.Payload()
		if err != nil {
			continue
		}
		payloads = append(payloads, payload)
	}

	if len(payloads) == 0 {
		return
	}

	if err = queue.Publish(payloads...); err != nil {
		logger.Error("failed to enqueue polls", zap.Error(err))
		return
	}

	_ = statsd.Histogram("mentionbridge.queue.poll.enqueued", float64(len(payloads)), []string{}, 1)
	_ = statsd.Histogram("mentionbridge.queue.poll.runtime", float64(time.Since(start).Milliseconds()), []string{}, 1)

	logger.Debug("re-seeded poll tasks", zap.Int("count", len(payloads)))
}

func enqueuePropagates(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, pool *pgxpool.Pool, redisConn *redis.Client, luaSha string, queue rmq.Queue) {
	start := time.Now()

	repo := repository.NewPostgresResponse(pool)

	resps, err := repo.ListRetryable(ctx, start, batchSize)
	if err != nil {
		logger.Error("failed to fetch batch of retryable responses", zap.Error(err))
		return
	}

	if len(resps) == 0 {
		return
	}

	keys := make([]string, len(resps))
	for i, resp := range resps {
		keys[i] = resp.Key
	}

	keys, err = dedupe(ctx, redisConn, luaSha, "locks:propagate-responses", keys, propagateLockSeconds)
	if err != nil {
		logger.Error("failed to check for locked responses", zap.Error(err))
		return
	}

	payloads := make([]string, 0, len(keys))
	for _, key := range keys {
		payload, err := jobs.PropagateTask{ResponseKey: key}.Payload()
		if err != nil {
			continue
		}
		payloads = append(payloads, payload)
	}

	if len(payloads) == 0 {
		return
	}

	if err = queue.Publish(payloads...); err != nil {
		logger.Error("failed to enqueue propagates", zap.Error(err))
		return
	}

	_ = statsd.Histogram("mentionbridge.queue.propagate.enqueued", float64(len(payloads)), []string{}, 1)
	_ = statsd.Histogram("mentionbridge.queue.propagate.runtime", float64(time.Since(start).Milliseconds()), []string{}, 1)

	logger.Debug("re-enqueued retryable responses", zap.Int("count", len(payloads)))
}

func cleanQueues(ctx context.Context, logger *zap.Logger, jobsConn rmq.Connection) {
	cleaner := rmq.NewCleaner(jobsConn)
	count, err := cleaner.Clean()
	if err != nil {
		logger.Error("failed cleaning jobs from queues", zap.Error(err))
		return
	}

	if count > 0 {
		logger.Debug("returned jobs to queues", zap.Int64("count", count))
	}
}

func reportStats(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, pool *pgxpool.Pool) {
	var (
		count int64

		metrics = []struct {
			query string
			name  string
		}{
			{"SELECT COUNT(*) FROM sources", "mentionbridge.registrations.sources"},
			{"SELECT COUNT(*) FROM sources WHERE status = 'enabled'", "mentionbridge.registrations.sources.enabled"},
			{"SELECT COUNT(*) FROM responses", "mentionbridge.responses"},
			{"SELECT COUNT(*) FROM responses WHERE status = 'error'", "mentionbridge.responses.errored"},
		}
	)

	for _, metric := range metrics {
		_ = pool.QueryRow(ctx, metric.query).Scan(&count)
		_ = statsd.Gauge(metric.name, float64(count), []string{}, 1)

		logger.Debug("fetched metrics", zap.Int64("count", count), zap.String("metric", metric.name))
	}
}

type StringSlice []string

func (ss StringSlice) MarshalBinary() (data []byte, err error) {
	bytes, err := json.Marshal(ss)
	return bytes, err
}
