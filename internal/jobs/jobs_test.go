package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mentionbridge/backend/internal/domain"
	"github.com/mentionbridge/backend/internal/silo"
)

type fakeSourceRepository struct {
	mu      sync.Mutex
	sources map[string]domain.Source

	statusUpdates map[string]domain.SourceStatus
	updateErr     error
}

func newFakeSourceRepository(srcs ...domain.Source) *fakeSourceRepository {
	f := &fakeSourceRepository{
		sources:       map[string]domain.Source{},
		statusUpdates: map[string]domain.SourceStatus{},
	}
	for _, src := range srcs {
		f.sources[src.Key] = src
	}
	return f
}

func (f *fakeSourceRepository) GetByKey(_ context.Context, key string) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.sources[key]
	if !ok {
		return domain.Source{}, domain.ErrNotFound
	}
	return src, nil
}

func (f *fakeSourceRepository) CreateOrUpdate(_ context.Context, src *domain.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sources[src.Key] = *src
	return nil
}

func (f *fakeSourceRepository) Update(_ context.Context, src *domain.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.sources[src.Key]; !ok {
		return domain.ErrNotFound
	}
	f.sources[src.Key] = *src
	return nil
}

func (f *fakeSourceRepository) UpdateStatus(_ context.Context, key string, status domain.SourceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.sources[key]
	if !ok {
		return domain.ErrNotFound
	}
	src.Status = status
	f.sources[key] = src
	f.statusUpdates[key] = status
	return nil
}

func (f *fakeSourceRepository) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var srcs []domain.Source
	for _, src := range f.sources {
		if src.Status != domain.SourceDisabled && src.LastPolled.Before(olderThan) && len(srcs) < limit {
			srcs = append(srcs, src)
		}
	}
	return srcs, nil
}

type fakeResponseRepository struct {
	mu        sync.Mutex
	responses map[string]domain.Response

	updateErrs []error
}

func newFakeResponseRepository(resps ...domain.Response) *fakeResponseRepository {
	f := &fakeResponseRepository{responses: map[string]domain.Response{}}
	for _, resp := range resps {
		f.responses[resp.Key] = resp
	}
	return f
}

func (f *fakeResponseRepository) GetByKey(_ context.Context, key string) (domain.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, ok := f.responses[key]
	if !ok {
		return domain.Response{}, domain.ErrNotFound
	}
	return resp, nil
}

func (f *fakeResponseRepository) CreateIfAbsent(_ context.Context, resp *domain.Response) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := resp.Validate(); err != nil {
		return false, err
	}
	if _, ok := f.responses[resp.Key]; ok {
		return false, nil
	}
	f.responses[resp.Key] = *resp
	return true, nil
}

func (f *fakeResponseRepository) Update(_ context.Context, resp *domain.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.responses[resp.Key]; !ok {
		return domain.ErrNotFound
	}
	f.responses[resp.Key] = *resp
	return nil
}

func (f *fakeResponseRepository) Lease(_ context.Context, key string, until time.Time, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, ok := f.responses[key]
	if !ok {
		return domain.ErrNotFound
	}

	claimable := resp.Status == domain.ResponseNew ||
		resp.Status == domain.ResponseError ||
		(resp.Status == domain.ResponseProcessing && !resp.LeasedUntil.After(now))
	if !claimable {
		return domain.ErrLeaseHeld
	}

	resp.Status = domain.ResponseProcessing
	resp.LeasedUntil = until
	f.responses[key] = resp
	return nil
}

func (f *fakeResponseRepository) ListRetryable(_ context.Context, now time.Time, limit int) ([]domain.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resps []domain.Response
	for _, resp := range f.responses {
		retryable := resp.Status == domain.ResponseNew ||
			resp.Status == domain.ResponseError ||
			(resp.Status == domain.ResponseProcessing && !resp.LeasedUntil.After(now))
		if retryable && len(resps) < limit {
			resps = append(resps, resp)
		}
	}
	return resps, nil
}

func (f *fakeResponseRepository) get(t *testing.T, key string) domain.Response {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	resp, ok := f.responses[key]
	assert.True(t, ok, "response %q not found", key)
	return resp
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (f *fakeQueue) Publish(payload ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload...)
	return nil
}

type fakeSiloAPI struct {
	listing *silo.ActivityListing
	err     error

	sourceKey   string
	accessToken string
	opts        silo.FetchOptions
	calls       int
}

func (f *fakeSiloAPI) FetchActivities(_ context.Context, sourceKey, accessToken string, opts silo.FetchOptions) (*silo.ActivityListing, error) {
	f.sourceKey = sourceKey
	f.accessToken = accessToken
	f.opts = opts
	f.calls++

	if f.err != nil {
		return nil, f.err
	}
	return f.listing, nil
}

// fakeSender resolves each target through errs; missing targets succeed.
type fakeSender struct {
	mu      sync.Mutex
	errs    map[string]error
	panics  map[string]bool
	sources []string
	targets []string
}

func (f *fakeSender) Send(_ context.Context, sourceURL, targetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sources = append(f.sources, sourceURL)
	f.targets = append(f.targets, targetURL)

	if f.panics[targetURL] {
		panic("sender exploded")
	}
	return f.errs[targetURL]
}
