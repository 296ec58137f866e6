package silo

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const userAgent = "server:mentionbridge:v0.1.0 (+https://mentionbridge.io)"

type Request struct {
	body   url.Values
	query  url.Values
	header http.Header
	method string
	token  string
	url    string
	tags   []string
}

type RequestOption func(*Request)

func NewRequest(opts ...RequestOption) *Request {
	req := &Request{url.Values{}, url.Values{}, http.Header{}, "GET", "", "", nil}
	for _, opt := range opts {
		opt(req)
	}

	return req
}

func (r *Request) HTTPRequest() (*http.Request, error) {
	req, err := http.NewRequest(r.method, r.url, strings.NewReader(r.body.Encode()))
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = r.query.Encode()

	for key, vals := range r.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}

	req.Header.Add("User-Agent", userAgent)

	if r.token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", r.token))
	}

	return req, nil
}

func WithTags(tags []string) RequestOption {
	return func(req *Request) {
		req.tags = tags
	}
}

func WithMethod(method string) RequestOption {
	return func(req *Request) {
		req.method = method
	}
}

func WithURL(url string) RequestOption {
	return func(req *Request) {
		req.url = url
	}
}

func WithToken(token string) RequestOption {
	return func(req *Request) {
		req.token = token
	}
}

func WithHeader(key, val string) RequestOption {
	return func(req *Request) {
		req.header.Set(key, val)
	}
}

func WithQuery(key, val string) RequestOption {
	return func(req *Request) {
		if val != "" {
			req.query.Set(key, val)
		}
	}
}
