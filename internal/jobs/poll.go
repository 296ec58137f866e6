package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/discovery"
	"github.com/mentionbridge/backend/internal/domain"
	"github.com/mentionbridge/backend/internal/silo"
)

// SiloAPI is the activity-fetching collaborator the poll job consumes.
type SiloAPI interface {
	FetchActivities(ctx context.Context, sourceKey, accessToken string, opts silo.FetchOptions) (*silo.ActivityListing, error)
}

// Poll discovers new reactions for one source: it fetches activities
// past the source's cursors, materializes a response per embedded
// reaction, advances the cursors, and re-enqueues itself so polling
// stays continuous.
type Poll struct {
	logger *zap.Logger
	statsd statsd.ClientInterface

	sources   domain.SourceRepository
	responses domain.ResponseRepository

	silo SiloAPI

	pollQueue      Queue
	propagateQueue Queue

	blacklist discovery.Blacklist
	now       func() time.Time
}

func NewPoll(
	logger *zap.Logger,
	statsd statsd.ClientInterface,
	sources domain.SourceRepository,
	responses domain.ResponseRepository,
	siloAPI SiloAPI,
	pollQueue Queue,
	propagateQueue Queue,
	blacklist discovery.Blacklist,
	opts ...Option,
) *Poll {
	o := newOptions(opts...)

	return &Poll{
		logger:         logger,
		statsd:         statsd,
		sources:        sources,
		responses:      responses,
		silo:           siloAPI,
		pollQueue:      pollQueue,
		propagateQueue: propagateQueue,
		blacklist:      blacklist,
		now:            o.now,
	}
}

// Process runs one poll task. lastPolled is the cursor the task was
// scheduled with; if the source has moved past it, another run already
// covered this window and the task is a benign no-op. A non-nil return
// means the whole job failed and the queue should retry it.
func (p *Poll) Process(ctx context.Context, sourceKey, lastPolled string) error {
	start := p.now()
	defer func() {
		_ = p.statsd.Histogram("mentionbridge.poll.runtime", float64(time.Since(start).Milliseconds()), []string{}, 0.1)
	}()

	src, err := p.sources.GetByKey(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Debug("source is gone, dropping task", zap.String("source#key", sourceKey))
			return nil
		}
		return fmt.Errorf("fetching source: %w", err)
	}

	if src.PollCursor() != lastPolled {
		p.logger.Debug("source already polled past our cursor, dropping task",
			zap.String("source#key", src.Key),
			zap.String("cursor", lastPolled),
			zap.String("source#last_polled", src.PollCursor()),
		)
		_ = p.statsd.Incr("mentionbridge.poll.stale_cursor", []string{}, 0.1)
		return nil
	}

	listing, err := p.silo.FetchActivities(ctx, src.Key, src.AccessToken, silo.FetchOptions{
		MinID:   src.LastActivityID,
		ETag:    src.LastActivitiesETag,
		Replies: true,
		Likes:   true,
		Shares:  true,
	})
	if err != nil {
		if errors.Is(err, silo.ErrDisableSource) || errors.Is(err, silo.ErrUnauthorized) {
			p.logger.Info("source deauthorized us, disabling",
				zap.String("source#key", src.Key),
				zap.String("source#name", src.NormalizedName()),
			)
			if serr := p.sources.UpdateStatus(ctx, src.Key, domain.SourceDisabled); serr != nil {
				p.logger.Error("failed to disable source", zap.Error(serr), zap.String("source#key", src.Key))
			}
			return nil
		}

		p.logger.Error("failed to fetch activities",
			zap.Error(err),
			zap.String("source#key", src.Key),
			zap.String("source#name", src.NormalizedName()),
		)
		if serr := p.sources.UpdateStatus(ctx, src.Key, domain.SourceError); serr != nil {
			p.logger.Error("failed to mark source errored", zap.Error(serr), zap.String("source#key", src.Key))
		}
		return fmt.Errorf("fetching activities: %w", err)
	}

	lastActivityID := src.LastActivityID

	for _, activity := range listing.Activities {
		if id := silo.ShortID(activity.ID); id > lastActivityID {
			lastActivityID = id
		}

		if err := p.processActivity(ctx, &src, activity); err != nil {
			if serr := p.sources.UpdateStatus(ctx, src.Key, domain.SourceError); serr != nil {
				p.logger.Error("failed to mark source errored", zap.Error(serr), zap.String("source#key", src.Key))
			}
			return err
		}
	}

	src.Status = domain.SourceEnabled
	src.LastPolled = p.now()
	src.LastActivityID = lastActivityID
	if listing.ETag != "" {
		src.LastActivitiesETag = listing.ETag
	}

	if err := p.sources.Update(ctx, &src); err != nil {
		return fmt.Errorf("saving source cursors: %w", err)
	}

	// Each run schedules its successor; nothing else drives polling.
	task := PollTask{SourceKey: src.Key, LastPolled: src.PollCursor()}
	payload, err := task.Payload()
	if err != nil {
		return err
	}
	if err := p.pollQueue.Publish(payload); err != nil {
		p.logger.Error("failed to enqueue next poll", zap.Error(err), zap.String("source#key", src.Key))
		return fmt.Errorf("enqueueing next poll: %w", err)
	}

	p.logger.Debug("finished poll",
		zap.String("source#key", src.Key),
		zap.Int("count", listing.Count),
	)

	return nil
}

func (p *Poll) processActivity(ctx context.Context, src *domain.Source, activity *silo.Activity) error {
	targets := discovery.TargetURLs(activity.Object, p.blacklist)

	for _, reaction := range activity.Reactions() {
		if reaction.ID == "" {
			p.logger.Warn("reaction with no usable id, skipping",
				zap.String("source#key", src.Key),
				zap.String("activity#id", activity.ID),
				zap.String("reaction#kind", reaction.Kind),
			)
			continue
		}

		unsent := append(append([]string{}, targets...), discovery.TargetURLsFromText(reaction.Content, p.blacklist)...)

		resp := &domain.Response{
			Key:          reaction.ID,
			Type:         domain.ResponseType(reaction.Kind),
			SourceKey:    src.Key,
			ActivityJSON: string(activity.Raw),
			ResponseJSON: string(reaction.Raw),
			Status:       domain.ResponseNew,
			Unsent:       lo.Uniq(unsent),
		}

		created, err := p.responses.CreateIfAbsent(ctx, resp)
		if err != nil {
			return fmt.Errorf("saving response: %w", err)
		}
		if !created {
			// Poll never touches an existing response's status or buckets.
			continue
		}

		_ = p.statsd.Incr("mentionbridge.poll.responses.created", []string{fmt.Sprintf("type:%s", resp.Type)}, 0.1)

		task := PropagateTask{ResponseKey: resp.Key}
		payload, err := task.Payload()
		if err != nil {
			return err
		}
		if err := p.propagateQueue.Publish(payload); err != nil {
			p.logger.Error("failed to enqueue propagate",
				zap.Error(err),
				zap.String("response#key", resp.Key),
			)
			return fmt.Errorf("enqueueing propagate: %w", err)
		}
	}

	return nil
}
