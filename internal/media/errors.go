package media

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reason is a stable machine-readable failure code surfaced to callers.
// Internal error detail stays in logs, never in the Reason.
type Reason string

const (
	ReasonNetwork     Reason = "network"
	ReasonTimeout     Reason = "timeout"
	ReasonNotFound    Reason = "not_found"
	ReasonForbidden   Reason = "forbidden"
	ReasonUnsupported Reason = "unsupported"
	ReasonTooLarge    Reason = "too_large"
	ReasonInternal    Reason = "internal"
)

type classified struct {
	err         error
	reason      Reason
	recoverable bool
}

func (e *classified) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *classified) Unwrap() error { return e.err }

// Recoverable marks err as a transient failure (network/timeout class)
// that the dispatcher may retry.
func Recoverable(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, reason: reason, recoverable: true}
}

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, reason: reason, recoverable: false}
}

// IsRecoverable reports whether err was classified retryable.
// Unclassified errors default to permanent: a capability that forgot to
// classify should not cause retry loops.
func IsRecoverable(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.recoverable
	}
	// Context deadline and transport-level timeouts are transient even
	// when a capability returns them raw.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// ReasonOf extracts the stable failure code from err.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var c *classified
	if errors.As(err, &c) {
		return c.reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}
	return ReasonInternal
}
