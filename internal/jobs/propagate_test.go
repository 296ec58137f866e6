package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/discovery"
	"github.com/mentionbridge/backend/internal/domain"
	"github.com/mentionbridge/backend/internal/jobs"
	"github.com/mentionbridge/backend/internal/webmention"
)

var propagateNow = time.Date(2023, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestPropagate(sources *fakeSourceRepository, responses *fakeResponseRepository, sender *fakeSender) *jobs.Propagate {
	return jobs.NewPropagate(
		zap.NewNop(),
		&statsd.NoOpClient{},
		sources,
		responses,
		sender,
		discovery.DefaultBlacklist(),
		"mention.example",
		"mention-app.example",
		jobs.WithClock(func() time.Time { return propagateNow }),
	)
}

func pendingResponse() domain.Response {
	return domain.Response{
		Key:          "tag:source.com,2013:101_2_a",
		Type:         domain.ResponseComment,
		SourceKey:    "0123456789",
		ActivityJSON: `{"id":"tag:source.com,2013:101"}`,
		ResponseJSON: `{"id":"tag:source.com,2013:101_2_a"}`,
		Status:       domain.ResponseNew,
		Unsent:       []string{"http://tar.get/post"},
	}
}

func TestPropagate_Process(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("delivers and completes", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		sources := newFakeSourceRepository(enabledSource())
		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(sources, responses, sender)

		require.NoError(t, job.Process(ctx, resp.Key, ""))

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseComplete, got.Status)
		assert.True(t, got.LeasedUntil.IsZero())
		assert.Empty(t, got.Unsent)
		assert.Equal(t, []string{"http://tar.get/post"}, got.Sent)

		require.Len(t, sender.sources, 1)
		assert.Equal(t,
			"https://mention.example/comment/twitter/0123456789/101/101_2_a",
			sender.sources[0],
		)
	})

	t.Run("classifies each outcome into its bucket", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Unsent = []string{
			"http://ok.example/a",
			"http://no-endpoint.example/b",
			"http://gone.example/c",
			"http://flaky.example/d",
			"http://refused.example/e",
			"http://twitter.com/status/1",
		}

		sources := newFakeSourceRepository(enabledSource())
		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{errs: map[string]error{
			"http://no-endpoint.example/b": &webmention.Error{Code: webmention.CodeNoEndpoint},
			"http://gone.example/c":        &webmention.Error{Code: webmention.CodeBadTarget, HTTPStatus: 404},
			"http://flaky.example/d":       &webmention.Error{Code: webmention.CodeBadTarget, HTTPStatus: 503},
			"http://refused.example/e":     &webmention.Error{Code: webmention.CodeReceiverError, HTTPStatus: 500},
		}}

		job := newTestPropagate(sources, responses, sender)

		assert.ErrorIs(t, job.Process(ctx, resp.Key, ""), jobs.ErrRetryable)

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseError, got.Status)
		assert.True(t, got.LeasedUntil.IsZero())
		assert.Empty(t, got.Unsent)
		assert.Equal(t, []string{"http://ok.example/a"}, got.Sent)
		assert.Equal(t, []string{"http://gone.example/c"}, got.Failed)
		assert.ElementsMatch(t, []string{"http://flaky.example/d", "http://refused.example/e"}, got.Error)
		assert.ElementsMatch(t, []string{"http://no-endpoint.example/b", "http://twitter.com/status/1"}, got.Skipped)

		// The blacklisted target must never hit the sender.
		assert.NotContains(t, sender.targets, "http://twitter.com/status/1")
	})

	t.Run("panicking sender only loses its own target", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Unsent = []string{"http://boom.example/a", "http://ok.example/b"}

		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{panics: map[string]bool{"http://boom.example/a": true}}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

		assert.ErrorIs(t, job.Process(ctx, resp.Key, ""), jobs.ErrRetryable)

		got := responses.get(t, resp.Key)
		assert.Equal(t, []string{"http://boom.example/a"}, got.Error)
		assert.Equal(t, []string{"http://ok.example/b"}, got.Sent)
	})

	t.Run("retries previously errored targets", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Status = domain.ResponseError
		resp.Unsent = nil
		resp.Error = []string{"http://tar.get/post"}
		resp.Sent = []string{"http://done.example/x"}

		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

		require.NoError(t, job.Process(ctx, resp.Key, ""))

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseComplete, got.Status)
		assert.Empty(t, got.Error)
		assert.ElementsMatch(t, []string{"http://done.example/x", "http://tar.get/post"}, got.Sent)

		// Already-sent targets are not re-attempted.
		assert.Equal(t, []string{"http://tar.get/post"}, sender.targets)
	})

	t.Run("already complete is a no-op", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Status = domain.ResponseComplete
		resp.Unsent = nil
		resp.Sent = []string{"http://tar.get/post"}

		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

		require.NoError(t, job.Process(ctx, resp.Key, ""))

		assert.Empty(t, sender.targets)
		assert.Equal(t, resp, responses.get(t, resp.Key))
	})

	t.Run("held lease defers without mutating", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Status = domain.ResponseProcessing
		resp.LeasedUntil = propagateNow.Add(5 * time.Minute)

		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

		assert.ErrorIs(t, job.Process(ctx, resp.Key, ""), jobs.ErrRetryable)

		assert.Empty(t, sender.targets)
		assert.Equal(t, resp, responses.get(t, resp.Key))
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		resp.Status = domain.ResponseProcessing
		resp.LeasedUntil = propagateNow.Add(-time.Minute)

		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

		require.NoError(t, job.Process(ctx, resp.Key, ""))

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseComplete, got.Status)
		assert.Equal(t, []string{"http://tar.get/post"}, got.Sent)
	})

	t.Run("missing response fails the task", func(t *testing.T) {
		t.Parallel()

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), newFakeResponseRepository(), &fakeSender{})

		assert.ErrorIs(t, job.Process(ctx, "gone", ""), domain.ErrNotFound)
	})

	t.Run("missing source releases the lease and gives up", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		responses := newFakeResponseRepository(resp)
		sender := &fakeSender{}

		job := newTestPropagate(newFakeSourceRepository(), responses, sender)

		require.NoError(t, job.Process(ctx, resp.Key, ""))

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseNew, got.Status)
		assert.True(t, got.LeasedUntil.IsZero())
		assert.Equal(t, []string{"http://tar.get/post"}, got.Unsent)
		assert.Empty(t, sender.targets)
	})

	t.Run("finalize failure degrades to error but frees the lease", func(t *testing.T) {
		t.Parallel()

		resp := pendingResponse()
		responses := newFakeResponseRepository(resp)
		responses.updateErrs = []error{errors.New("connection reset"), nil}

		job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, &fakeSender{})

		assert.Error(t, job.Process(ctx, resp.Key, ""))

		got := responses.get(t, resp.Key)
		assert.Equal(t, domain.ResponseError, got.Status)
		assert.True(t, got.LeasedUntil.IsZero())
	})
}

func TestPropagate_SourceURLCanonicalization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := map[string]struct {
		baseURL string
		want    string
	}{
		"empty base uses the canonical host": {
			"",
			"https://mention.example/comment/twitter/0123456789/101/101_2_a",
		},
		"platform host becomes the canonical host": {
			"https://mention-app.example",
			"https://mention.example/comment/twitter/0123456789/101/101_2_a",
		},
		"http on the canonical host upgrades to https": {
			"http://mention.example",
			"https://mention.example/comment/twitter/0123456789/101/101_2_a",
		},
		"http on the platform host upgrades too": {
			"http://mention-app.example",
			"https://mention.example/comment/twitter/0123456789/101/101_2_a",
		},
		"other hosts pass through": {
			"https://branch.example",
			"https://branch.example/comment/twitter/0123456789/101/101_2_a",
		},
	}

	for scenario, tt := range tests {
		tt := tt

		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			resp := pendingResponse()
			responses := newFakeResponseRepository(resp)
			sender := &fakeSender{}

			job := newTestPropagate(newFakeSourceRepository(enabledSource()), responses, sender)

			require.NoError(t, job.Process(ctx, resp.Key, tt.baseURL))

			require.Len(t, sender.sources, 1)
			assert.Equal(t, tt.want, sender.sources[0])
		})
	}
}
