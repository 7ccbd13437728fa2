package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Kind classifies errors at the reconciliation boundary. Nothing below the
// boundary is surfaced to a remote party without being mapped to a Kind.
type Kind string

const (
	// KindInvalidBatch: malformed or ownership-violating upload. The client
	// must not retry it unmodified.
	KindInvalidBatch Kind = "invalid_batch"

	// KindBehindHead: the uploader has not seen a foreign action. Fetch,
	// reconcile, then retry.
	KindBehindHead Kind = "behind_head"

	// KindDenied: authorization or visibility rejection. Not retryable
	// without a privilege change.
	KindDenied Kind = "denied"

	// KindInternal: storage or infrastructure fault. Retryable with backoff.
	KindInternal Kind = "internal"

	// KindCompacted: the requested window is no longer retained. Fall back
	// to a snapshot bootstrap.
	KindCompacted Kind = "compacted"
)

// Error is a classified reconciliation error.
type Error struct {
	Kind    Kind
	Message string

	// FirstUnseenIngestID is set for KindBehindHead.
	FirstUnseenIngestID uint64

	// MinRetainedIngestID is set for KindCompacted.
	MinRetainedIngestID uint64

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func behindHead(first uint64) *Error {
	return &Error{
		Kind:                KindBehindHead,
		Message:             fmt.Sprintf("unseen action at ingest id %d", first),
		FirstUnseenIngestID: first,
	}
}

func compacted(since, minRetained uint64) *Error {
	return &Error{
		Kind:                KindCompacted,
		Message:             fmt.Sprintf("ingest id %d is older than the retained log (min %d)", since, minRetained),
		MinRetainedIngestID: minRetained,
	}
}

func denied(format string, args ...any) *Error {
	return &Error{Kind: KindDenied, Message: fmt.Sprintf(format, args...)}
}

// Classify maps any error to an *Error. A nil error stays nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	var be *ir.BatchError
	if errors.As(err, &be) {
		return &Error{Kind: KindInvalidBatch, Message: be.Reason, Err: err}
	}
	var we *store.WriteError
	if errors.As(err, &we) {
		if we.Kind == store.KindVisibility {
			return &Error{Kind: KindDenied, Message: we.Message, Err: err}
		}
		return &Error{Kind: KindInvalidBatch, Message: we.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindInternal, Message: "round interrupted", Err: err}
	}
	return &Error{Kind: KindInternal, Message: "storage failure", Err: err}
}

// boundary classifies err for return across the protocol boundary.
func boundary(err error) error {
	if err == nil {
		return nil
	}
	return Classify(err)
}

// KindOf returns the kind of a classified err, or "" for nil.
func KindOf(err error) Kind {
	if c := Classify(err); c != nil {
		return c.Kind
	}
	return ""
}

// IsBehindHead reports whether err is a head-gate rejection.
func IsBehindHead(err error) bool {
	return KindOf(err) == KindBehindHead
}

// IsCompacted reports whether err asks for a snapshot bootstrap.
func IsCompacted(err error) bool {
	return KindOf(err) == KindCompacted
}

// IsRetryable reports whether the round may be retried without changing the
// batch or the caller's privileges.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBehindHead, KindInternal:
		return true
	default:
		return false
	}
}
