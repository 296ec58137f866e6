package silo_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentionbridge/backend/internal/silo"
)

// RoundTripFunc .
type RoundTripFunc func(req *http.Request) *http.Response

// RoundTrip .
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

//NewTestClient returns *http.Client with Transport replaced to avoid making real calls
func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := redismock.NewClientMock()

	errortests := map[string]struct {
		status int
		err    error
	}{
		"401 returns ErrUnauthorized":  {401, silo.ErrUnauthorized},
		"403 returns ErrDisableSource": {403, silo.ErrDisableSource},
		"500 returns ServerError":      {500, silo.ServerError{500}},
	}

	for scenario, tt := range errortests {
		tt := tt

		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			tc := NewTestClient(func(req *http.Request) *http.Response {
				return &http.Response{
					StatusCode: tt.status,
					Body:       ioutil.NopCloser(bytes.NewBufferString("")),
					Header:     make(http.Header),
				}
			})

			sc := silo.NewClient("", &statsd.NoOpClient{}, db, 1, silo.WithRetry(false), silo.WithClient(tc))
			ac := sc.NewAuthenticatedClient(silo.SkipRateLimiting, "")

			_, err := ac.Activities(ctx, silo.FetchOptions{})

			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestActivities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := redismock.NewClientMock()

	body := `{
		"items": [
			{
				"id": "tag:source.com,2013:101",
				"url": "http://source.com/post/101",
				"object": {
					"content": "originally posted at http://tar.get/post",
					"replies": {
						"items": [
							{"id": "tag:source.com,2013:101_2_a", "content": "nice"}
						]
					},
					"likes": {
						"items": [
							{"author": {"id": "tag:source.com,2013:liker"}}
						]
					}
				}
			}
		]
	}`

	var gotReq *http.Request
	tc := NewTestClient(func(req *http.Request) *http.Response {
		gotReq = req

		header := make(http.Header)
		header.Set("Etag", `W/"fresh"`)

		return &http.Response{
			StatusCode: 200,
			Body:       ioutil.NopCloser(bytes.NewBufferString(body)),
			Header:     header,
		}
	})

	sc := silo.NewClient("https://silo.example", &statsd.NoOpClient{}, db, 1, silo.WithRetry(false), silo.WithClient(tc))

	ac := sc.NewAuthenticatedClient(silo.SkipRateLimiting, "token")

	listing, err := ac.Activities(ctx, silo.FetchOptions{
		MinID:   "100",
		ETag:    `W/"stale"`,
		Replies: true,
		Likes:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, "silo.example", gotReq.URL.Host)
	assert.Equal(t, "/v1/activities", gotReq.URL.Path)
	assert.Equal(t, "100", gotReq.URL.Query().Get("min_id"))
	assert.Equal(t, "true", gotReq.URL.Query().Get("fetch_replies"))
	assert.Equal(t, "false", gotReq.URL.Query().Get("fetch_shares"))
	assert.Equal(t, `W/"stale"`, gotReq.Header.Get("If-None-Match"))

	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, `W/"fresh"`, listing.ETag)

	activity := listing.Activities[0]
	assert.Equal(t, "tag:source.com,2013:101", activity.ID)

	reactions := activity.Reactions()
	require.Len(t, reactions, 2)
	assert.Equal(t, "comment", reactions[0].Kind)
	assert.Equal(t, "tag:source.com,2013:101_2_a", reactions[0].ID)
	assert.Equal(t, "like", reactions[1].Kind)
	assert.Equal(t, "tag:source.com,2013:liker", reactions[1].ID)
}

func TestActivitiesNotModified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := redismock.NewClientMock()

	tc := NewTestClient(func(req *http.Request) *http.Response {
		return &http.Response{
			StatusCode: 304,
			Body:       ioutil.NopCloser(bytes.NewBufferString("")),
			Header:     make(http.Header),
		}
	})

	sc := silo.NewClient("https://silo.example", &statsd.NoOpClient{}, db, 1, silo.WithRetry(false), silo.WithClient(tc))

	ac := sc.NewAuthenticatedClient(silo.SkipRateLimiting, "token")

	listing, err := ac.Activities(ctx, silo.FetchOptions{ETag: `W/"stale"`})
	require.NoError(t, err)

	assert.Zero(t, listing.Count)
	assert.Empty(t, listing.Activities)
	assert.Equal(t, `W/"stale"`, listing.ETag)
}
