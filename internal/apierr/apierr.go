// Package apierr defines the error taxonomy shared by every component.
// Each kind is a small unexported struct implementing HTTPError so the
// HTTP layer can map any error to a status code and wire Type without a
// central switch that has to be kept in sync as kinds are added.
package apierr

import "fmt"

// HTTPError lets a component-specific error carry its own HTTP mapping.
type HTTPError interface {
	error
	StatusCode() int
	Kind() string
}

type kindError struct {
	kind   string
	status int
	msg    string
}

func (e kindError) Error() string   { return e.msg }
func (e kindError) StatusCode() int { return e.status }
func (e kindError) Kind() string    { return e.kind }

func newKind(kind string, status int, format string, args ...any) error {
	return kindError{kind: kind, status: status, msg: fmt.Sprintf(format, args...)}
}

func is(err error, kind string) bool {
	he, ok := err.(HTTPError)
	return ok && he.Kind() == kind
}

// InvalidRequest: malformed JSON body or unsupported content type. 400.
func InvalidRequest(format string, args ...any) error { return newKind("invalid_request", 400, format, args...) }
func IsInvalidRequest(err error) bool { return is(err, "invalid_request") }

// MissingMessages: messages array empty or absent. 400.
func MissingMessages(format string, args ...any) error { return newKind("missing_messages", 400, format, args...) }
func IsMissingMessages(err error) bool { return is(err, "missing_messages") }

// InvalidParameter: a sampling parameter is out of range or the wrong type. 400.
func InvalidParameter(format string, args ...any) error { return newKind("invalid_parameter", 400, format, args...) }
func IsInvalidParameter(err error) bool { return is(err, "invalid_parameter") }

// ModelNotFound: requested model id is not the one loaded model. 404.
func ModelNotFound(format string, args ...any) error { return newKind("model_not_found", 404, format, args...) }
func IsModelNotFound(err error) bool { return is(err, "model_not_found") }

// RateLimited: admission controller rejected the request. 429.
func RateLimited(format string, args ...any) error { return newKind("rate_limited", 429, format, args...) }
func IsRateLimited(err error) bool { return is(err, "rate_limited") }

// RuntimeNotReady: the child process has not finished starting. 503.
func RuntimeNotReady(format string, args ...any) error { return newKind("runtime_not_ready", 503, format, args...) }
func IsRuntimeNotReady(err error) bool { return is(err, "runtime_not_ready") }

// Timeout: a deadline elapsed while waiting on the backend. 504.
func Timeout(format string, args ...any) error { return newKind("timeout", 504, format, args...) }
func IsTimeout(err error) bool { return is(err, "timeout") }

// Cancelled: the client disconnected or canceled the request. 499.
func Cancelled(format string, args ...any) error { return newKind("cancelled", 499, format, args...) }
func IsCancelled(err error) bool { return is(err, "cancelled") }

// Unavailable: the backend process is not usable (crashed, missing binary). 502.
func Unavailable(format string, args ...any) error { return newKind("unavailable", 502, format, args...) }
func IsUnavailable(err error) bool { return is(err, "unavailable") }

// Internal: anything else. 500.
func Internal(format string, args ...any) error { return newKind("internal", 500, format, args...) }
func IsInternal(err error) bool { return is(err, "internal") }
