// Package jobs implements the two background jobs at the heart of the
// bridge: Poll, which discovers new reactions on a source account, and
// Propagate, which delivers one response's webmentions. Both are invoked
// by the task queue consumers and by the HTTP trigger surface.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrRetryable tells the trigger surface to report the distinguished
// retry status so the queue schedules another run: either the run left
// targets in the error bucket, or another run holds the lease.
var ErrRetryable = errors.New("job should be retried")

// Queue is the narrow slice of the task queue that jobs publish to.
type Queue interface {
	Publish(payload ...string) error
}

// PollTask is the payload of one poll queue task. LastPolled is the
// cursor the source had when the task was scheduled, formatted with
// domain.PollTaskTimeFormat.
type PollTask struct {
	SourceKey  string `json:"source_key"`
	LastPolled string `json:"last_polled"`
}

func (t PollTask) Payload() (string, error) {
	bb, err := json.Marshal(t)
	return string(bb), err
}

func ParsePollTask(payload string) (PollTask, error) {
	var t PollTask
	err := json.Unmarshal([]byte(payload), &t)
	return t, err
}

// PropagateTask is the payload of one propagate queue task.
type PropagateTask struct {
	ResponseKey string `json:"response_key"`
	BaseURL     string `json:"base_url,omitempty"`
}

func (t PropagateTask) Payload() (string, error) {
	bb, err := json.Marshal(t)
	return string(bb), err
}

func ParsePropagateTask(payload string) (PropagateTask, error) {
	var t PropagateTask
	err := json.Unmarshal([]byte(payload), &t)
	return t, err
}

type options struct {
	now         func() time.Time
	leaseLength time.Duration
}

type Option func(*options)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLeaseLength overrides how long a propagate run holds a response.
func WithLeaseLength(d time.Duration) Option {
	return func(o *options) {
		o.leaseLength = d
	}
}

func newOptions(opts ...Option) options {
	o := options{
		now:         time.Now,
		leaseLength: DefaultLeaseLength,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
