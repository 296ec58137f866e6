package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/adjust/rmq/v4"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/discovery"
	"github.com/mentionbridge/backend/internal/jobs"
	"github.com/mentionbridge/backend/internal/repository"
	"github.com/mentionbridge/backend/internal/silo"
)

type pollWorker struct {
	context.Context

	logger *zap.Logger
	statsd *statsd.Client
	db     *pgxpool.Pool
	redis  *redis.Client
	queue  rmq.Connection

	consumers int

	job *jobs.Poll
}

func NewPollWorker(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, db *pgxpool.Pool, redis *redis.Client, queue rmq.Connection, consumers int) Worker {
	siloClient := silo.NewClient(
		os.Getenv("SILO_API_URL"),
		statsd,
		redis,
		consumers,
	)

	propagateQueue, err := queue.OpenQueue("propagate")
	if err != nil {
		panic(err)
	}

	// Successor poll tasks go through the deferral set so the scheduler
	// releases them on the polling cadence instead of immediately.
	pollQueue := jobs.NewDeferredQueue(redis, jobs.PollDeferralKey, jobs.DefaultPollInterval)

	job := jobs.NewPoll(
		logger,
		statsd,
		repository.NewPostgresSource(db),
		repository.NewPostgresResponse(db),
		siloClient,
		pollQueue,
		propagateQueue,
		discovery.BlacklistFromEnv(),
	)

	return &pollWorker{
		ctx,
		logger,
		statsd,
		db,
		redis,
		queue,
		consumers,
		job,
	}
}

func (pw *pollWorker) Start() error {
	queue, err := pw.queue.OpenQueue("poll")
	if err != nil {
		return err
	}

	pw.logger.Info("starting up poll worker", zap.Int("consumers", pw.consumers))

	prefetchLimit := int64(pw.consumers * 2)

	if err := queue.StartConsuming(prefetchLimit, pollDuration); err != nil {
		return err
	}

	host, _ := os.Hostname()

	for i := 0; i < pw.consumers; i++ {
		name := fmt.Sprintf("consumer %s-%d", host, i)

		consumer := NewPollConsumer(pw, i)
		if _, err := queue.AddConsumer(name, consumer); err != nil {
			return err
		}
	}

	return nil
}

func (pw *pollWorker) Stop() {
	<-pw.queue.StopAllConsuming() // wait for all Consume() calls to finish
}

type pollConsumer struct {
	*pollWorker
	tag int
}

func NewPollConsumer(pw *pollWorker, tag int) *pollConsumer {
	return &pollConsumer{
		pw,
		tag,
	}
}

func (pc *pollConsumer) Consume(delivery rmq.Delivery) {
	task, err := jobs.ParsePollTask(delivery.Payload())
	if err != nil {
		pc.logger.Error("failed to parse poll task", zap.Error(err), zap.String("payload", delivery.Payload()))
		_ = delivery.Reject()
		return
	}

	defer func() {
		if err := delivery.Ack(); err != nil {
			pc.logger.Error("failed to acknowledge message", zap.Error(err), zap.String("source#key", task.SourceKey))
		}
	}()

	pc.logger.Debug("starting job", zap.String("source#key", task.SourceKey))

	if err := pc.job.Process(pc, task.SourceKey, task.LastPolled); err != nil {
		// The scheduler re-seeds the poll chain for sources that fall
		// behind, so a failed run is logged and acked rather than requeued.
		if !errors.Is(err, jobs.ErrRetryable) {
			pc.logger.Error("poll failed", zap.Error(err), zap.String("source#key", task.SourceKey))
		}
	}
}
