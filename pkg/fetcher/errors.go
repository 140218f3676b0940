package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

type notFoundError struct {
	id string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("executable not found in symbol index: %s", e.id)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d %s", e.statusCode, e.body)
}

type tooLargeError struct {
	limit int64
}

func (e tooLargeError) Error() string {
	return fmt.Sprintf("debug info exceeds %d bytes", e.limit)
}

func isNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}

// isRetryableError tells whether a request may be repeated within one
// fetch attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if isNotFound(err) {
		return false
	}
	var tl tooLargeError
	if errors.As(err, &tl) {
		return false
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		if statusCode == http.StatusTooManyRequests {
			return true
		}
		return statusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// categorizeError maps an error to a metric status.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, context.Canceled):
		return statusErrorCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return statusErrorTimeout
	case isNotFound(err):
		return statusErrorNotFound
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		switch {
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return statusErrorUnauthorized
		case statusCode == http.StatusTooManyRequests:
			return statusErrorRateLimited
		case statusCode >= 400 && statusCode < 500:
			return statusErrorClientError
		case statusCode >= 500:
			return statusErrorServerError
		}
		return statusErrorHTTPOther
	}
	return statusErrorOther
}
