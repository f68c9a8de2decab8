package capture

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass is the fixed failure taxonomy used for retry decisions.
type ErrorClass string

// Failure classes. Transient classes (network, timeout, browser crash) are
// retryable; parsing and authentication failures are terminal by definition.
const (
	ClassNetwork          ErrorClass = "NETWORK_ERROR"
	ClassTimeout          ErrorClass = "TIMEOUT_ERROR"
	ClassSelectorNotFound ErrorClass = "SELECTOR_NOT_FOUND"
	ClassBrowserCrash     ErrorClass = "BROWSER_CRASH"
	ClassUpload           ErrorClass = "UPLOAD_ERROR"
	ClassParsing          ErrorClass = "PARSING_ERROR"
	ClassAuthentication   ErrorClass = "AUTHENTICATION_ERROR"
)

// Retryable reports whether jobs failing with this class may be re-attempted.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassParsing, ClassAuthentication:
		return false
	default:
		return true
	}
}

// ClassifiedError carries an explicit ErrorClass alongside the cause.
// Classify honors it before falling back to heuristics.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

// NewError wraps err with an explicit classification.
func NewError(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// keyword buckets checked in priority order; the first match wins.
var classKeywords = []struct {
	class    ErrorClass
	keywords []string
}{
	{ClassTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ClassBrowserCrash, []string{"browser", "chrome", "target closed", "session closed", "websocket url", "devtools"}},
	{ClassSelectorNotFound, []string{"selector", "no such element", "not found in dom", "waiting for element"}},
	{ClassAuthentication, []string{"unauthorized", "forbidden", "authentication", "api key", "credential"}},
	{ClassUpload, []string{"upload", "storage", "bucket", "publish"}},
	{ClassParsing, []string{"parse", "parsing", "unmarshal", "invalid syntax", "malformed"}},
	{ClassNetwork, []string{"net::", "connection refused", "connection reset", "dns", "no such host", "network"}},
}

// Classify maps an error onto the taxonomy. Explicit typed errors win, then
// keyword heuristics; anything unrecognized is treated as a network error,
// since unknown failures against remote pages are most often transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNetwork
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, bucket := range classKeywords {
		for _, kw := range bucket.keywords {
			if strings.Contains(msg, kw) {
				return bucket.class
			}
		}
	}
	return ClassNetwork
}

// maxJobAttempts is the hard cap applied by ShouldRetry regardless of the
// owning queue's configuration.
const maxJobAttempts = 3

// ShouldRetry decides whether a failed attempt should be re-queued.
func ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxJobAttempts {
		return false
	}
	return Classify(err).Retryable()
}
