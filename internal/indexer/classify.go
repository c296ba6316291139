package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassRateLimit ErrorClass = "rate_limit"
)

// HTTPError is the error processors should return for failed downstream HTTP
// calls so the status code drives classification.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type statusCoder interface {
	StatusCode() int
}

type codeCarrier interface {
	Code() string
}

type retryAfterCarrier interface {
	RetryAfterDelay() time.Duration
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

var transientCodes = []string{
	"ECONNREFUSED",
	"ETIMEDOUT",
	"ENOTFOUND",
	"ECONNRESET",
	"EPIPE",
	"EAI_AGAIN",
}

var permanentHints = []string{
	"validation",
	"schema",
	"invalid",
	"parse",
	"json",
	"decode",
	"malformed",
}

// Classify maps err to an error class. An error wrapped with Permanent is
// always permanent. Otherwise network signals win over HTTP status, which wins
// over message text, and anything unrecognized, including nil, is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	if isNetworkError(err) {
		return ClassTransient
	}
	if status, ok := statusCode(err); ok {
		switch {
		case status == 429:
			return ClassRateLimit
		case status == 500, status == 502, status == 503, status == 504:
			return ClassTransient
		case status >= 400 && status < 500:
			return ClassPermanent
		}
	}
	message := strings.ToLower(err.Error())
	for _, hint := range permanentHints {
		if strings.Contains(message, hint) {
			return ClassPermanent
		}
	}
	return ClassTransient
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	var carrier retryAfterCarrier
	if errors.As(err, &carrier) {
		return carrier.RetryAfterDelay()
	}
	return 0
}

func isNetworkError(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var carrier codeCarrier
	if errors.As(err, &carrier) {
		code := strings.ToUpper(strings.TrimSpace(carrier.Code()))
		for _, candidate := range transientCodes {
			if code == candidate {
				return true
			}
		}
	}
	message := err.Error()
	for _, code := range transientCodes {
		if strings.Contains(message, code) {
			return true
		}
	}
	return false
}

func statusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode > 0 {
		return httpErr.StatusCode, true
	}
	var coder statusCoder
	if errors.As(err, &coder) {
		if status := coder.StatusCode(); status > 0 {
			return status, true
		}
	}
	return 0, false
}
