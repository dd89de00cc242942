package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindRateLimited
	KindQuoteStale
	KindSlippageExceeded
	KindInsufficientFunds
	KindUnsafeToken
	KindPolicyViolation
	KindDuplicate
	KindSignatureUnknown
	KindPersistence
	KindFatalConfig
	KindHighImpact
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindTransientNetwork:  "TransientNetwork",
	KindRateLimited:       "RateLimited",
	KindQuoteStale:        "QuoteStale",
	KindSlippageExceeded:  "SlippageExceeded",
	KindInsufficientFunds: "InsufficientFunds",
	KindUnsafeToken:       "UnsafeToken",
	KindPolicyViolation:   "PolicyViolation",
	KindDuplicate:         "Duplicate",
	KindSignatureUnknown:  "SignatureUnknown",
	KindPersistence:       "PersistenceError",
	KindFatalConfig:       "FatalConfig",
	KindHighImpact:        "HIGH_IMPACT",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// Deadline expiry is treated as a transient network failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an error may succeed on an identical retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned for SnipeRun status changes outside the
// allowed graph.
var ErrInvalidTransition = errors.New("invalid snipe run transition")
