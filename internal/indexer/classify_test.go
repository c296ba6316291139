package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type codedError struct {
	code    string
	message string
}

func (e codedError) Error() string { return e.message }
func (e codedError) Code() string  { return e.code }

type statusError struct {
	status  int
	message string
}

func (e statusError) Error() string   { return e.message }
func (e statusError) StatusCode() int { return e.status }

func TestClassifyNilIsTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(nil))
}

func TestClassifyNetworkCodeWinsOverMessage(t *testing.T) {
	err := codedError{code: "ECONNREFUSED", message: "validation failed"}
	assert.Equal(t, ClassTransient, Classify(err))

	wrapped := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	assert.Equal(t, ClassTransient, Classify(fmt.Errorf("invalid upstream: %w", wrapped)))
}

func TestClassifyNetworkVariants(t *testing.T) {
	cases := []error{
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		&net.DNSError{Err: "no such host", Name: "relay.invalid", IsNotFound: true},
		&net.DNSError{Err: "temporary failure", Name: "relay.invalid", IsTemporary: true},
		context.DeadlineExceeded,
		codedError{code: "EAI_AGAIN", message: "lookup failed"},
		errors.New("getaddrinfo ENOTFOUND relay.invalid"),
	}
	for _, err := range cases {
		assert.Equal(t, ClassTransient, Classify(err), err.Error())
	}
}

func TestClassifyStatusWinsOverMessage(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(statusError{status: 503, message: "validation failed"}))
	assert.Equal(t, ClassTransient, Classify(&HTTPError{StatusCode: 503, Message: "validation failed"}))
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := map[int]ErrorClass{
		429: ClassRateLimit,
		500: ClassTransient,
		502: ClassTransient,
		503: ClassTransient,
		504: ClassTransient,
		400: ClassPermanent,
		404: ClassPermanent,
		422: ClassPermanent,
	}
	for status, want := range cases {
		err := fmt.Errorf("upstream: %w", &HTTPError{StatusCode: status, Message: "boom"})
		assert.Equal(t, want, Classify(err), "status %d", status)
	}
}

func TestClassifyMessageHeuristics(t *testing.T) {
	for _, message := range []string{
		"Validation failed for record",
		"schema mismatch",
		"invalid did",
		"failed to parse record",
		"unexpected end of JSON input",
		"cbor decode error",
		"malformed cid",
	} {
		assert.Equal(t, ClassPermanent, Classify(errors.New(message)), message)
	}
	assert.Equal(t, ClassTransient, Classify(errors.New("something odd happened")))
}

func TestClassifyPermanentMarker(t *testing.T) {
	err := Permanent(&HTTPError{StatusCode: 503, Message: "bad row"})
	assert.Equal(t, ClassPermanent, Classify(err))
	assert.Nil(t, Permanent(nil))
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 429, RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("nope")))
}
