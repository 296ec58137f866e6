package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mentionbridge/backend/internal/jobs"
)

// pollTaskHandler runs one poll task inline. The queue treats anything
// but a 2xx as a failure and retries with its own backoff, so benign
// no-ops must come back 200.
func (a *api) pollTaskHandler(w http.ResponseWriter, r *http.Request) {
	sourceKey := r.FormValue("source_key")
	lastPolled := r.FormValue("last_polled")

	if sourceKey == "" || lastPolled == "" {
		a.errorResponse(w, r, http.StatusBadRequest, "source_key and last_polled are required")
		return
	}

	if err := a.poll.Process(r.Context(), sourceKey, lastPolled); err != nil {
		a.errorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// propagateTaskHandler runs one propagate task inline. Lease conflicts
// and retryable aggregate outcomes report the distinguished retry code.
// A missing response is a plain failure: the queue created the task, so
// a dangling key means the trigger itself is broken.
func (a *api) propagateTaskHandler(w http.ResponseWriter, r *http.Request) {
	responseKey := r.FormValue("response_key")
	if responseKey == "" {
		a.errorResponse(w, r, http.StatusBadRequest, "response_key is required")
		return
	}

	baseURL := r.FormValue("base_url")
	if baseURL == "" {
		baseURL = requestBaseURL(r)
	}

	err := a.propagate.Process(r.Context(), responseKey, baseURL)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, jobs.ErrRetryable):
		a.errorResponse(w, r, retryStatusCode, err.Error())
	default:
		a.errorResponse(w, r, http.StatusInternalServerError, err.Error())
	}
}

func requestBaseURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
