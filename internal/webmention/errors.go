package webmention

import "fmt"

const (
	CodeNoEndpoint    = "no_endpoint"
	CodeBadTarget     = "bad_target_url"
	CodeReceiverError = "receiver_error"
)

// Error is a structured send failure. Code tells the caller whether the
// failure is permanent; HTTPStatus, when present, refines bad_target_url
// into client-side (4xx) versus server-side (5xx) failures.
type Error struct {
	Code       string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("webmention %s (%d)", e.Code, e.HTTPStatus)
	}

	return fmt.Sprintf("webmention %s", e.Code)
}

// Permanent reports whether retrying the same target is pointless.
func (e *Error) Permanent() bool {
	switch e.Code {
	case CodeNoEndpoint:
		return true
	case CodeBadTarget:
		return e.HTTPStatus >= 400 && e.HTTPStatus < 500
	}

	return false
}
