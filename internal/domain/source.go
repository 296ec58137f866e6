package domain

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// PollTaskTimeFormat is the fixed-width layout of the last_polled task
// parameter. It sorts lexicographically, which the task queue relies on.
const PollTaskTimeFormat = "2006-01-02-15-04-05"

type SourceStatus string

const (
	SourceEnabled  SourceStatus = "enabled"
	SourceDisabled SourceStatus = "disabled"
	SourceError    SourceStatus = "error"
)

// Source is a connected silo account we periodically poll for reactions
// to the owner's posts.
type Source struct {
	Key  string
	Silo string
	Name string
	URL  string

	Status      SourceStatus
	AccessToken string

	// Polling cursors
	LastPolled         time.Time
	LastActivityID     string
	LastActivitiesETag string
}

func (s *Source) NormalizedName() string {
	return strings.ToLower(s.Name)
}

// Polled reports whether this source has ever completed a poll.
func (s *Source) Polled() bool {
	return !s.LastPolled.IsZero()
}

// PollCursor formats the last-polled timestamp the way poll task
// parameters carry it. A source that has never been polled reports the
// epoch, matching the cursor its very first task is scheduled with.
func (s *Source) PollCursor() string {
	return FormatPollTime(s.LastPolled)
}

func FormatPollTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}

	return t.UTC().Format(PollTaskTimeFormat)
}

func (s *Source) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Key, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.Silo, validation.Required, validation.Length(1, 32)),
		validation.Field(&s.Status, validation.In(SourceEnabled, SourceDisabled, SourceError)),
	)
}

// SourceRepository represents the source's repository contract
type SourceRepository interface {
	GetByKey(ctx context.Context, key string) (Source, error)

	CreateOrUpdate(ctx context.Context, src *Source) error
	Update(ctx context.Context, src *Source) error
	UpdateStatus(ctx context.Context, key string, status SourceStatus) error

	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Source, error)
}
