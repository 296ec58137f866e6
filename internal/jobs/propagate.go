package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/discovery"
	"github.com/mentionbridge/backend/internal/domain"
	"github.com/mentionbridge/backend/internal/silo"
	"github.com/mentionbridge/backend/internal/webmention"
)

// DefaultLeaseLength bounds how long a crashed propagate run can block
// its response before another run reclaims it.
const DefaultLeaseLength = 10 * time.Minute

// Sender is the notification-send collaborator the propagate job
// consumes. Failures surface as *webmention.Error.
type Sender interface {
	Send(ctx context.Context, sourceURL, targetURL string) error
}

// Propagate delivers one response's webmentions: it claims the response
// under a time-bounded lease, attempts every pending target exactly
// once, sorts each outcome into a bucket, and reports the aggregate back
// to the queue.
type Propagate struct {
	logger *zap.Logger
	statsd statsd.ClientInterface

	sources   domain.SourceRepository
	responses domain.ResponseRepository

	sender Sender

	blacklist discovery.Blacklist

	// The host the platform serves us under and the public host
	// destinations should see. Source URLs are always canonicalized to
	// https on the canonical host.
	canonicalHost string
	platformHost  string

	leaseLength time.Duration
	now         func() time.Time
}

func NewPropagate(
	logger *zap.Logger,
	statsd statsd.ClientInterface,
	sources domain.SourceRepository,
	responses domain.ResponseRepository,
	sender Sender,
	blacklist discovery.Blacklist,
	canonicalHost string,
	platformHost string,
	opts ...Option,
) *Propagate {
	o := newOptions(opts...)

	return &Propagate{
		logger:        logger,
		statsd:        statsd,
		sources:       sources,
		responses:     responses,
		sender:        sender,
		blacklist:     blacklist,
		canonicalHost: canonicalHost,
		platformHost:  platformHost,
		leaseLength:   o.leaseLength,
		now:           o.now,
	}
}

// Process runs one propagate task. baseURL is the scheme://host the
// trigger arrived on, used only for source URL canonicalization; empty
// means the canonical host. Returns nil on completion or benign no-op,
// ErrRetryable when the queue should run the task again, and any other
// error on internal failure.
func (p *Propagate) Process(ctx context.Context, responseKey, baseURL string) error {
	start := p.now()
	defer func() {
		_ = p.statsd.Histogram("mentionbridge.propagate.runtime", float64(time.Since(start).Milliseconds()), []string{}, 0.1)
	}()

	resp, err := p.responses.GetByKey(ctx, responseKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Unlike a vanished source, a missing response means the trigger
			// itself is bad. Report it so it doesn't fail silently.
			p.logger.Warn("response does not exist", zap.String("response#key", responseKey))
		}
		return fmt.Errorf("fetching response: %w", err)
	}

	now := p.now()

	if resp.Status == domain.ResponseComplete {
		p.logger.Debug("response already complete, dropping task", zap.String("response#key", resp.Key))
		return nil
	}

	if resp.Leased(now) {
		p.logger.Info("response leased by another run, retrying later",
			zap.String("response#key", resp.Key),
			zap.Time("response#leased_until", resp.LeasedUntil),
		)
		_ = p.statsd.Incr("mentionbridge.propagate.lease_conflicts", []string{}, 0.1)
		return ErrRetryable
	}

	until := now.Add(p.leaseLength)
	if err := p.responses.Lease(ctx, resp.Key, until, now); err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			return ErrRetryable
		}
		return fmt.Errorf("leasing response: %w", err)
	}

	prevStatus := resp.Status
	resp.Status = domain.ResponseProcessing
	resp.LeasedUntil = until

	src, err := p.sources.GetByKey(ctx, resp.SourceKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The account was disconnected; put the lease back and let the
			// response sit.
			p.logger.Debug("source is gone, giving up",
				zap.String("response#key", resp.Key),
				zap.String("source#key", resp.SourceKey),
			)
			resp.Status = prevStatus
			resp.LeasedUntil = time.Time{}
			if uerr := p.responses.Update(ctx, &resp); uerr != nil {
				p.logger.Error("failed to release lease", zap.Error(uerr), zap.String("response#key", resp.Key))
			}
			return nil
		}
		return fmt.Errorf("fetching source: %w", err)
	}

	sourceURL, err := p.sourceURL(&src, &resp, baseURL)
	if err != nil {
		return fmt.Errorf("building source url: %w", err)
	}

	for _, target := range resp.PendingTargets() {
		outcome := p.deliver(ctx, sourceURL, target)
		resp.Record(target, outcome)

		_ = p.statsd.Incr("mentionbridge.webmention.attempts", []string{fmt.Sprintf("bucket:%s", outcome)}, 0.1)
	}

	return p.finalize(ctx, &resp)
}

// deliver attempts one webmention and maps the outcome to the bucket the
// target belongs in. Nothing here may abort the rest of the batch.
func (p *Propagate) deliver(ctx context.Context, sourceURL, target string) (bucket domain.Bucket) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during webmention send",
				zap.Any("panic", r),
				zap.String("target", target),
			)
			bucket = domain.BucketError
		}
	}()

	// Blacklist entries added after discovery, and targets that no longer
	// parse, are permanently skipped rather than silently dropped.
	if !discovery.Valid(target, p.blacklist) {
		p.logger.Debug("target is blacklisted or malformed, skipping", zap.String("target", target))
		return domain.BucketSkipped
	}

	err := p.sender.Send(ctx, sourceURL, target)
	if err == nil {
		p.logger.Info("sent webmention",
			zap.String("source", sourceURL),
			zap.String("target", target),
		)
		return domain.BucketSent
	}

	var wmErr *webmention.Error
	if !errors.As(err, &wmErr) {
		p.logger.Error("unexpected error sending webmention",
			zap.Error(err),
			zap.String("source", sourceURL),
			zap.String("target", target),
		)
		return domain.BucketError
	}

	p.logger.Debug("webmention not delivered",
		zap.String("source", sourceURL),
		zap.String("target", target),
		zap.String("code", wmErr.Code),
		zap.Int("status", wmErr.HTTPStatus),
	)

	switch {
	case wmErr.Code == webmention.CodeNoEndpoint:
		return domain.BucketSkipped
	case wmErr.Permanent():
		return domain.BucketFailed
	default:
		return domain.BucketError
	}
}

// finalize writes the run's aggregate outcome. Whatever happens, the
// lease must not be left held: a persistence failure downgrades the
// response to error with its buckets as mutated so far.
func (p *Propagate) finalize(ctx context.Context, resp *domain.Response) error {
	if len(resp.Error) > 0 {
		resp.Status = domain.ResponseError
	} else {
		resp.Status = domain.ResponseComplete
	}
	resp.LeasedUntil = time.Time{}

	if err := p.responses.Update(ctx, resp); err != nil {
		p.logger.Error("failed to finalize response", zap.Error(err), zap.String("response#key", resp.Key))

		resp.Status = domain.ResponseError
		if uerr := p.responses.Update(ctx, resp); uerr != nil {
			p.logger.Error("failed to release lease after finalize failure",
				zap.Error(uerr),
				zap.String("response#key", resp.Key),
			)
		}

		return fmt.Errorf("finalizing response: %w", err)
	}

	p.logger.Debug("finished propagate",
		zap.String("response#key", resp.Key),
		zap.String("response#status", string(resp.Status)),
		zap.Int("sent", len(resp.Sent)),
		zap.Int("error", len(resp.Error)),
		zap.Int("failed", len(resp.Failed)),
		zap.Int("skipped", len(resp.Skipped)),
	)

	if resp.Status == domain.ResponseError {
		return ErrRetryable
	}

	return nil
}

// sourceURL builds the canonical public URL identifying this reaction,
// the address the destination will fetch to verify the webmention.
func (p *Propagate) sourceURL(src *domain.Source, resp *domain.Response, baseURL string) (string, error) {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s", p.canonicalHost)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	// However the trigger addressed us, the destination sees the stable
	// secure canonical host.
	if base.Hostname() == p.platformHost {
		base.Host = p.canonicalHost
	}
	if base.Hostname() == p.canonicalHost && base.Scheme == "http" {
		base.Scheme = "https"
	}

	var activityID string
	if v, err := fastjson.Parse(resp.ActivityJSON); err == nil {
		activityID = string(v.GetStringBytes("id"))
	}

	return fmt.Sprintf("%s/%s/%s/%s/%s/%s",
		strings.TrimSuffix(base.String(), "/"),
		resp.Type,
		src.Silo,
		src.Key,
		silo.ShortID(activityID),
		silo.ShortID(resp.Key),
	), nil
}
