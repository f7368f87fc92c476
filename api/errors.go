package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass drives retry and escalation decisions. Callers classify by
// error class, never by message text alone.
type ErrorClass int

const (
	// ClassTransient covers network blips, rate limiting and 5xx replies.
	// Read paths retry these with backoff; mutating paths never do.
	ClassTransient ErrorClass = iota
	// ClassRejection is a structured, non-retryable decision (filter
	// failure, balance insufficiency, invalid price/size).
	ClassRejection
	// ClassVenueFatal disables further submissions for the source until
	// corrected (auth failure, market closed, malformed credentials).
	ClassVenueFatal
	// ClassAmbiguous marks an unknown outcome, e.g. a timeout during
	// submission. Logged, never retried, reconciled out of band.
	ClassAmbiguous
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejection:
		return "rejection"
	case ClassVenueFatal:
		return "venue_fatal"
	case ClassAmbiguous:
		return "ambiguous"
	}
	return "unknown"
}

// APIError is a classified venue error.
type APIError struct {
	Class   ErrorClass
	Status  int // HTTP status when applicable
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("venue error (%s, http %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("venue error (%s): %s", e.Class, e.Message)
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassVenueFatal
	default:
		return ClassRejection
	}
}

// Classify resolves the error class for any error returned by the adapter.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassRejection
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassAmbiguous
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	// Connection resets and other syscall-level failures surface as
	// *net.OpError wrapped in url.Error; both satisfy net.Error above.
	return ClassRejection
}

// IsTransient reports whether err should be retried on a read path.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsVenueFatal reports whether err should disable submissions for a source.
func IsVenueFatal(err error) bool {
	return Classify(err) == ClassVenueFatal
}
