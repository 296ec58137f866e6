// Package silo implements the client for the activity-normalizing silo
// API: it fetches a source account's activities with their embedded
// replies, likes and reposts, using conditional requests and incremental
// cursors so repeat polls stay cheap.
package silo

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/go-redis/redis/v8"
	"github.com/valyala/fastjson"
)

const (
	SkipRateLimiting       = "<SKIP_RATE_LIMITING>"
	RequestRemainingBuffer = 50

	RateLimitRemainingHeader = "X-Ratelimit-Remaining"
	RateLimitResetHeader     = "X-Ratelimit-Reset"
)

type Client struct {
	baseURL string
	client  *http.Client
	tracer  *httptrace.ClientTrace
	pool    *fastjson.ParserPool
	statsd  statsd.ClientInterface
	redis   *redis.Client
	retry   bool
}

type RateLimitingInfo struct {
	Remaining float64
	Reset     int
	Present   bool
}

type responseMeta struct {
	etag        string
	notModified bool
	rateLimit   RateLimitingInfo
}

var backoffSchedule = []time.Duration{
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

type ClientOption func(*Client)

func WithRetry(retry bool) ClientOption {
	return func(c *Client) {
		c.retry = retry
	}
}

func WithClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

func NewClient(baseURL string, statsd statsd.ClientInterface, redis *redis.Client, connLimit int, opts ...ClientOption) *Client {
	tracer := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				_ = statsd.Incr("silo.api.connections.reused", []string{}, 0.1)
			} else {
				_ = statsd.Incr("silo.api.connections.created", []string{}, 0.1)
			}
		},
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = connLimit / 4
	t.MaxConnsPerHost = connLimit
	t.MaxIdleConnsPerHost = connLimit / 4
	t.IdleConnTimeout = 60 * time.Second
	t.ResponseHeaderTimeout = 5 * time.Second

	client := &Client{
		strings.TrimSuffix(baseURL, "/"),
		&http.Client{Transport: t},
		tracer,
		&fastjson.ParserPool{},
		statsd,
		redis,
		true,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type AuthenticatedClient struct {
	*Client

	sourceKey   string
	accessToken string
}

func (c *Client) NewAuthenticatedClient(sourceKey, accessToken string) *AuthenticatedClient {
	if sourceKey == "" {
		panic("requires a source key")
	}

	return &AuthenticatedClient{c, sourceKey, accessToken}
}

func (c *Client) doRequest(ctx context.Context, r *Request) ([]byte, *responseMeta, error) {
	req, err := r.HTTPRequest()
	if err != nil {
		return nil, nil, err
	}

	req = req.WithContext(httptrace.WithClientTrace(ctx, c.tracer))

	start := time.Now()

	resp, err := c.client.Do(req)

	_ = c.statsd.Incr("silo.api.calls", r.tags, 0.1)
	_ = c.statsd.Histogram("silo.api.latency", float64(time.Since(start).Milliseconds()), r.tags, 0.1)

	if err != nil {
		_ = c.statsd.Incr("silo.api.errors", r.tags, 0.1)
		if strings.Contains(err.Error(), "timeout awaiting response headers") {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	meta := &responseMeta{etag: resp.Header.Get("Etag")}
	if _, ok := resp.Header[RateLimitRemainingHeader]; ok {
		meta.rateLimit.Present = true
		meta.rateLimit.Remaining, _ = strconv.ParseFloat(resp.Header.Get(RateLimitRemainingHeader), 64)
		meta.rateLimit.Reset, _ = strconv.Atoi(resp.Header.Get(RateLimitResetHeader))
	}

	if resp.StatusCode == http.StatusNotModified {
		meta.notModified = true
		return nil, meta, nil
	}

	if resp.StatusCode != http.StatusOK {
		_ = c.statsd.Incr("silo.api.errors", r.tags, 0.1)
		return nil, meta, ServerError{resp.StatusCode}
	}

	bb, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		_ = c.statsd.Incr("silo.api.errors", r.tags, 0.1)
		return nil, meta, err
	}
	return bb, meta, nil
}

func (ac *AuthenticatedClient) request(ctx context.Context, r *Request) ([]byte, *responseMeta, error) {
	if rl, err := ac.isRateLimited(ctx); rl || err != nil {
		return nil, nil, ErrRateLimited
	}

	bb, meta, err := ac.doRequest(ctx, r)

	if err != nil && ac.retry {
		for _, backoff := range backoffSchedule {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}

			_ = ac.statsd.Incr("silo.api.retries", r.tags, 0.1)
			bb, meta, err = ac.doRequest(ctx, r)
			if err == nil {
				break
			}
		}
	}

	if err == nil && meta.rateLimit.Present && meta.rateLimit.Remaining <= RequestRemainingBuffer {
		_ = ac.statsd.Incr("silo.api.ratelimit", r.tags, 0.1)
		_ = ac.markRateLimited(ctx, meta.rateLimit.Remaining, time.Duration(meta.rateLimit.Reset)*time.Second)
	}

	if err != nil {
		_ = ac.statsd.Incr("silo.api.errors", r.tags, 0.1)
		return nil, meta, err
	}

	return bb, meta, nil
}

func (ac *AuthenticatedClient) isRateLimited(ctx context.Context) (bool, error) {
	if ac.sourceKey == SkipRateLimiting {
		return false, nil
	}

	key := fmt.Sprintf("silo:%s:ratelimited", ac.sourceKey)
	_, err := ac.redis.Get(ctx, key).Result()

	if err == redis.Nil {
		return false, nil
	} else if err == nil {
		return true, nil
	} else {
		return false, err
	}
}

func (ac *AuthenticatedClient) markRateLimited(ctx context.Context, remaining float64, duration time.Duration) error {
	if ac.sourceKey == SkipRateLimiting {
		return ErrRequiresSourceKey
	}

	key := fmt.Sprintf("silo:%s:ratelimited", ac.sourceKey)
	_, err := ac.redis.SetEX(ctx, key, remaining, duration).Result()
	return err
}

// FetchOptions control one activities fetch: the incremental cursor, the
// conditional-request validator, and which reaction kinds to embed.
type FetchOptions struct {
	MinID string
	ETag  string

	Replies bool
	Likes   bool
	Shares  bool
}

// Activities fetches the source's activities newer than opts.MinID. A
// 304 from the silo comes back as an empty listing carrying the same
// etag that was sent.
func (ac *AuthenticatedClient) Activities(ctx context.Context, opts FetchOptions) (*ActivityListing, error) {
	ropts := []RequestOption{
		WithTags([]string{"url:/v1/activities"}),
		WithMethod("GET"),
		WithToken(ac.accessToken),
		WithURL(fmt.Sprintf("%s/v1/activities", ac.baseURL)),
		WithQuery("min_id", opts.MinID),
		WithQuery("fetch_replies", strconv.FormatBool(opts.Replies)),
		WithQuery("fetch_likes", strconv.FormatBool(opts.Likes)),
		WithQuery("fetch_shares", strconv.FormatBool(opts.Shares)),
	}
	if opts.ETag != "" {
		ropts = append(ropts, WithHeader("If-None-Match", opts.ETag))
	}
	req := NewRequest(ropts...)

	bb, meta, err := ac.request(ctx, req)
	if err != nil {
		switch serr := err.(type) {
		case ServerError:
			if serr.StatusCode == http.StatusUnauthorized {
				return nil, ErrUnauthorized
			}
			if serr.StatusCode == http.StatusForbidden {
				return nil, ErrDisableSource
			}
		}

		return nil, err
	}

	if meta.notModified {
		return &ActivityListing{ETag: opts.ETag}, nil
	}

	parser := ac.pool.Get()
	defer ac.pool.Put(parser)

	val, err := parser.ParseBytes(bb)
	if err != nil {
		return nil, err
	}

	listing := NewActivityListing(val)
	if meta.etag != "" {
		listing.ETag = meta.etag
	}

	return listing, nil
}

// FetchActivities is the collaborator surface the poll job consumes.
func (c *Client) FetchActivities(ctx context.Context, sourceKey, accessToken string, opts FetchOptions) (*ActivityListing, error) {
	return c.NewAuthenticatedClient(sourceKey, accessToken).Activities(ctx, opts)
}
