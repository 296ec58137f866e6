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
	"github.com/mentionbridge/backend/internal/webmention"
)

type propagateWorker struct {
	context.Context

	logger *zap.Logger
	statsd *statsd.Client
	db     *pgxpool.Pool
	redis  *redis.Client
	queue  rmq.Connection

	consumers int

	job *jobs.Propagate
}

func NewPropagateWorker(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, db *pgxpool.Pool, redis *redis.Client, queue rmq.Connection, consumers int) Worker {
	sender := webmention.NewClient(statsd)

	job := jobs.NewPropagate(
		logger,
		statsd,
		repository.NewPostgresSource(db),
		repository.NewPostgresResponse(db),
		sender,
		discovery.BlacklistFromEnv(),
		os.Getenv("CANONICAL_HOST"),
		os.Getenv("PLATFORM_HOST"),
	)

	return &propagateWorker{
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

func (pw *propagateWorker) Start() error {
	queue, err := pw.queue.OpenQueue("propagate")
	if err != nil {
		return err
	}

	pw.logger.Info("starting up propagate worker", zap.Int("consumers", pw.consumers))

	prefetchLimit := int64(pw.consumers * 2)

	if err := queue.StartConsuming(prefetchLimit, pollDuration); err != nil {
		return err
	}

	host, _ := os.Hostname()

	for i := 0; i < pw.consumers; i++ {
		name := fmt.Sprintf("consumer %s-%d", host, i)

		consumer := NewPropagateConsumer(pw, i)
		if _, err := queue.AddConsumer(name, consumer); err != nil {
			return err
		}
	}

	return nil
}

func (pw *propagateWorker) Stop() {
	<-pw.queue.StopAllConsuming() // wait for all Consume() calls to finish
}

type propagateConsumer struct {
	*propagateWorker
	tag int
}

func NewPropagateConsumer(pw *propagateWorker, tag int) *propagateConsumer {
	return &propagateConsumer{
		pw,
		tag,
	}
}

func (pc *propagateConsumer) Consume(delivery rmq.Delivery) {
	task, err := jobs.ParsePropagateTask(delivery.Payload())
	if err != nil {
		pc.logger.Error("failed to parse propagate task", zap.Error(err), zap.String("payload", delivery.Payload()))
		_ = delivery.Reject()
		return
	}

	defer func() {
		if err := delivery.Ack(); err != nil {
			pc.logger.Error("failed to acknowledge message", zap.Error(err), zap.String("response#key", task.ResponseKey))
		}
	}()

	pc.logger.Debug("starting job", zap.String("response#key", task.ResponseKey))

	if err := pc.job.Process(pc, task.ResponseKey, task.BaseURL); err != nil {
		if errors.Is(err, jobs.ErrRetryable) {
			// The scheduler re-enqueues retryable responses after backoff.
			pc.logger.Debug("propagate left retryable targets", zap.String("response#key", task.ResponseKey))
			return
		}

		pc.logger.Error("propagate failed", zap.Error(err), zap.String("response#key", task.ResponseKey))
	}
}
