package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: transient transport failure, retried with backoff.
	KindConnection
	// KindAuth: credentials rejected; fatal for the affected source only.
	KindAuth
	// KindRateLimit: transient, retried with a longer backoff.
	KindRateLimit
	// KindValidation: a single record failed validation; dropped and counted.
	KindValidation
	// KindParse: a single payload could not be parsed; dropped and counted.
	KindParse
	// KindEmbedding: the embedding provider failed; triggers fallback.
	KindEmbedding
	// KindStorage: a store write failed; one retry, then the segment fails.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindParse:
		return "parse"
	case KindEmbedding:
		return "embedding"
	case KindStorage:
		return "storage"
	}
	return "unknown"
}

// Fault wraps an error with its taxonomy kind and the operation that
// produced it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s error", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a classified fault.
func New(kind Kind, op string, err error) error {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) error { return New(KindConnection, op, err) }
func Auth(op string, err error) error       { return New(KindAuth, op, err) }
func RateLimit(op string, err error) error  { return New(KindRateLimit, op, err) }
func Validation(op string, err error) error { return New(KindValidation, op, err) }
func Parse(op string, err error) error      { return New(KindParse, op, err) }
func Embedding(op string, err error) error  { return New(KindEmbedding, op, err) }
func Storage(op string, err error) error    { return New(KindStorage, op, err) }

// Validationf is a convenience for per-record drop reasons.
func Validationf(op, format string, args ...any) error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf extracts the classification from anywhere in the error chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// Retryable reports whether a failure is transient. Unknown errors are
// treated as transient so network hiccups without classification still
// get their attempts.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindRateLimit, KindUnknown:
		return err != nil
	}
	return false
}

// FromHTTPStatus maps a non-2xx response to the taxonomy. Timeouts and
// transport errors are classified at the call site as connection faults.
func FromHTTPStatus(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(op, fmt.Errorf("HTTP %d", status))
	case status == http.StatusTooManyRequests:
		return RateLimit(op, fmt.Errorf("HTTP %d", status))
	case status >= 500:
		return Connection(op, fmt.Errorf("HTTP %d", status))
	default:
		return New(KindUnknown, op, fmt.Errorf("HTTP %d", status))
	}
}
