package domain

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/samber/lo"
)

type ResponseType string

const (
	ResponseComment ResponseType = "comment"
	ResponseLike    ResponseType = "like"
	ResponseRepost  ResponseType = "repost"
)

type ResponseStatus string

const (
	ResponseNew        ResponseStatus = "new"
	ResponseProcessing ResponseStatus = "processing"
	ResponseComplete   ResponseStatus = "complete"
	ResponseError      ResponseStatus = "error"
)

// Bucket is one of the per-URL delivery states on a response. A target
// URL lives in exactly one bucket at a time.
type Bucket string

const (
	BucketUnsent  Bucket = "unsent"
	BucketSent    Bucket = "sent"
	BucketError   Bucket = "error"
	BucketFailed  Bucket = "failed"
	BucketSkipped Bucket = "skipped"
)

// Response is our record of one discovered reaction (comment, like or
// repost) and its webmention delivery state. The key is derived from the
// silo reaction id, which is what makes polling idempotent.
type Response struct {
	Key       string
	Type      ResponseType
	SourceKey string

	// Serialized silo objects, kept verbatim for rendering
	ActivityJSON string
	ResponseJSON string

	Status      ResponseStatus
	LeasedUntil time.Time

	Unsent  []string
	Sent    []string
	Error   []string
	Failed  []string
	Skipped []string
}

func (r *Response) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Key, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.SourceKey, validation.Required),
		validation.Field(&r.Type, validation.In(ResponseComment, ResponseLike, ResponseRepost)),
		validation.Field(&r.Status, validation.In(ResponseNew, ResponseProcessing, ResponseComplete, ResponseError)),
	)
}

// Leased reports whether the response holds an unexpired lease at now.
func (r *Response) Leased(now time.Time) bool {
	return r.Status == ResponseProcessing && r.LeasedUntil.After(now)
}

// PendingTargets returns the URLs still owed a webmention, unsent first.
func (r *Response) PendingTargets() []string {
	return lo.Uniq(append(append([]string{}, r.Unsent...), r.Error...))
}

func (r *Response) bucket(b Bucket) *[]string {
	switch b {
	case BucketUnsent:
		return &r.Unsent
	case BucketSent:
		return &r.Sent
	case BucketError:
		return &r.Error
	case BucketFailed:
		return &r.Failed
	case BucketSkipped:
		return &r.Skipped
	}

	return nil
}

// Record moves url out of whichever bucket holds it and into b, so the
// buckets stay pairwise disjoint and no URL is ever dropped.
func (r *Response) Record(url string, b Bucket) {
	for _, existing := range []Bucket{BucketUnsent, BucketSent, BucketError, BucketFailed, BucketSkipped} {
		if existing == b {
			continue
		}
		s := r.bucket(existing)
		*s = lo.Without(*s, url)
	}

	dst := r.bucket(b)
	if !lo.Contains(*dst, url) {
		*dst = append(*dst, url)
	}
}

// ResponseRepository represents the response's repository contract
type ResponseRepository interface {
	GetByKey(ctx context.Context, key string) (Response, error)

	// CreateIfAbsent persists the response unless one with the same key
	// already exists, and reports whether it was created.
	CreateIfAbsent(ctx context.Context, resp *Response) (bool, error)
	Update(ctx context.Context, resp *Response) error

	// Lease atomically claims the response for processing until the given
	// time. It fails with ErrLeaseHeld unless the response is new, in
	// error, or processing with an expired lease.
	Lease(ctx context.Context, key string, until time.Time, now time.Time) error

	ListRetryable(ctx context.Context, now time.Time, limit int) ([]Response, error)
}
