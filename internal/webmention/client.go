// Package webmention sends webmention notifications: it discovers the
// target's advertised endpoint and POSTs the source/target pair to it.
package webmention

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
)

const (
	DefaultTimeout = 10 * time.Second

	// Cap on how much of the target page we read looking for an endpoint.
	maxBodyBytes = 1 << 20

	userAgent = "server:mentionbridge:v0.1.0 (+https://mentionbridge.io)"
)

var (
	relLinkRe = regexp.MustCompile(`(?is)<(?:link|a)\s[^>]*rel=["']?(?:[^"'>]*\s)?webmention(?:\s[^"'>]*)?["']?[^>]*>`)
	hrefRe    = regexp.MustCompile(`(?is)href=["']?([^"'\s>]*)["']?`)
)

type Client struct {
	client  *http.Client
	statsd  statsd.ClientInterface
	timeout time.Duration
}

type ClientOption func(*Client)

func WithClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func NewClient(statsd statsd.ClientInterface, opts ...ClientOption) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.IdleConnTimeout = 60 * time.Second
	t.ResponseHeaderTimeout = 5 * time.Second

	c := &Client{
		client:  &http.Client{Transport: t},
		statsd:  statsd,
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Send delivers one webmention from sourceURL to targetURL. A nil return
// means the receiver accepted it; failures come back as *Error so the
// caller can classify them.
func (c *Client) Send(ctx context.Context, sourceURL, targetURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		_ = c.statsd.Histogram("webmention.send.latency", float64(time.Since(start).Milliseconds()), []string{}, 0.1)
	}()

	endpoint, err := c.discoverEndpoint(ctx, targetURL)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("source", sourceURL)
	form.Set("target", targetURL)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &Error{Code: CodeReceiverError}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Code: CodeReceiverError}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 300 {
		return &Error{Code: CodeReceiverError, HTTPStatus: resp.StatusCode}
	}

	_ = c.statsd.Incr("webmention.send.accepted", []string{}, 0.1)
	return nil
}

// discoverEndpoint fetches the target and looks for a webmention
// endpoint in the Link header, then in the page markup.
func (c *Client) discoverEndpoint(ctx context.Context, targetURL string) (string, error) {
	target, err := url.Parse(targetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return "", &Error{Code: CodeBadTarget}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", targetURL, nil)
	if err != nil {
		return "", &Error{Code: CodeBadTarget}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Code: CodeBadTarget}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &Error{Code: CodeBadTarget, HTTPStatus: resp.StatusCode}
	}

	if endpoint := headerEndpoint(resp.Header); endpoint != "" {
		return resolve(target, endpoint)
	}

	bb, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &Error{Code: CodeBadTarget}
	}

	if endpoint := markupEndpoint(string(bb)); endpoint != "" {
		return resolve(target, endpoint)
	}

	return "", &Error{Code: CodeNoEndpoint}
}

func headerEndpoint(header http.Header) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			if !strings.Contains(part, "webmention") {
				continue
			}

			section := strings.SplitN(part, ";", 2)
			if len(section) != 2 || !relHasWebmention(section[1]) {
				continue
			}

			return strings.Trim(strings.TrimSpace(section[0]), "<>")
		}
	}

	return ""
}

func relHasWebmention(attrs string) bool {
	for _, attr := range strings.Split(attrs, ";") {
		kv := strings.SplitN(strings.TrimSpace(attr), "=", 2)
		if len(kv) != 2 || kv[0] != "rel" {
			continue
		}

		for _, rel := range strings.Fields(strings.Trim(kv[1], `"'`)) {
			if rel == "webmention" || rel == "http://webmention.org/" {
				return true
			}
		}
	}

	return false
}

func markupEndpoint(body string) string {
	tag := relLinkRe.FindString(body)
	if tag == "" {
		return ""
	}

	matches := hrefRe.FindStringSubmatch(tag)
	if len(matches) != 2 {
		return ""
	}

	return matches[1]
}

func resolve(target *url.URL, endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", &Error{Code: CodeNoEndpoint}
	}

	resolved := target.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported endpoint scheme %q: %w", resolved.Scheme, &Error{Code: CodeNoEndpoint})
	}

	return resolved.String(), nil
}
