package retry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StatusCoder is implemented by errors that carry an HTTP-style status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is a handler failure annotated with an HTTP-style status code.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// NewStatusError returns a StatusError whose message defaults to the HTTP
// status text.
func NewStatusError(status int, message string) *StatusError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &StatusError{Status: status, Message: message}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Status }

func (e *StatusError) Unwrap() error { return e.Err }

// CodedError carries a symbolic system error code such as ECONNREFUSED.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *CodedError) Unwrap() error { return e.Err }

// NetworkErrorCodes are the symbolic codes treated as transient network failures.
var NetworkErrorCodes = map[string]struct{}{
	"ECONNREFUSED": {},
	"ECONNRESET":   {},
	"ETIMEDOUT":    {},
	"ENOTFOUND":    {},
	"EAI_AGAIN":    {},
	"EPIPE":        {},
	"EHOSTUNREACH": {},
}

var terminalStatuses = map[int]struct{}{
	http.StatusBadRequest:   {},
	http.StatusUnauthorized: {},
	http.StatusForbidden:    {},
	http.StatusNotFound:     {},
}

var transientErrnos = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
}

// Permanent marks err as terminal so it is never retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// IsRetryableError classifies err. Permanent errors are never retried. A
// transient network cause anywhere in the chain is retried even when a
// wrapping status says otherwise. Statuses 429 and 5xx are retried while 400,
// 401, 403 and 404 are terminal. Anything else is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if isTransientNetworkError(err) {
		return true
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		status := coder.StatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return true
		}
		if _, terminal := terminalStatuses[status]; terminal {
			return false
		}
	}
	return true
}

func isTransientNetworkError(err error) bool {
	var coded *CodedError
	if errors.As(err, &coded) {
		if _, ok := NetworkErrorCodes[coded.Code]; ok {
			return true
		}
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}
