package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRecoverableClassification(t *testing.T) {
	err := Recoverable(ReasonNetwork, errors.New("connection reset"))
	if !IsRecoverable(err) {
		t.Fatalf("recoverable error reported as permanent")
	}
	if got := ReasonOf(err); got != ReasonNetwork {
		t.Fatalf("reason = %q, want %q", got, ReasonNetwork)
	}
}

func TestPermanentClassification(t *testing.T) {
	err := Permanent(ReasonNotFound, errors.New("gone"))
	if IsRecoverable(err) {
		t.Fatalf("permanent error reported as recoverable")
	}
	if got := ReasonOf(err); got != ReasonNotFound {
		t.Fatalf("reason = %q, want %q", got, ReasonNotFound)
	}
}

func TestNilPassthrough(t *testing.T) {
	if Recoverable(ReasonNetwork, nil) != nil {
		t.Fatalf("Recoverable(nil) != nil")
	}
	if Permanent(ReasonInternal, nil) != nil {
		t.Fatalf("Permanent(nil) != nil")
	}
	if ReasonOf(nil) != "" {
		t.Fatalf("ReasonOf(nil) = %q, want empty", ReasonOf(nil))
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Recoverable(ReasonTimeout, errors.New("slow upstream"))
	wrapped := fmt.Errorf("fetching chunk 3: %w", inner)
	if !IsRecoverable(wrapped) {
		t.Fatalf("wrapped recoverable error lost classification")
	}
	if got := ReasonOf(wrapped); got != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestUnclassifiedDefaultsToPermanent(t *testing.T) {
	if IsRecoverable(errors.New("mystery")) {
		t.Fatalf("unclassified error reported as recoverable")
	}
	if got := ReasonOf(errors.New("mystery")); got != ReasonInternal {
		t.Fatalf("reason = %q, want %q", got, ReasonInternal)
	}
}

func TestDeadlineExceededIsRecoverable(t *testing.T) {
	err := fmt.Errorf("do request: %w", context.DeadlineExceeded)
	if !IsRecoverable(err) {
		t.Fatalf("deadline exceeded reported as permanent")
	}
	if got := ReasonOf(err); got != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestCanceledIsNotRecoverable(t *testing.T) {
	if IsRecoverable(context.Canceled) {
		t.Fatalf("context.Canceled reported as recoverable")
	}
}

// timeoutErr satisfies net.Error the way transport dial timeouts do.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type plainNetErr struct{}

func (plainNetErr) Error() string   { return "connection refused" }
func (plainNetErr) Timeout() bool   { return false }
func (plainNetErr) Temporary() bool { return false }

func TestNetTimeoutIsRecoverable(t *testing.T) {
	err := fmt.Errorf("dial: %w", timeoutErr{})
	if !IsRecoverable(err) {
		t.Fatalf("net timeout reported as permanent")
	}
	if got := ReasonOf(err); got != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestNetErrorWithoutTimeoutMapsToNetwork(t *testing.T) {
	err := fmt.Errorf("dial: %w", plainNetErr{})
	if IsRecoverable(err) {
		t.Fatalf("non-timeout net error reported as recoverable")
	}
	if got := ReasonOf(err); got != ReasonNetwork {
		t.Fatalf("reason = %q, want %q", got, ReasonNetwork)
	}
}

func TestErrorStringIncludesReason(t *testing.T) {
	err := Permanent(ReasonTooLarge, errors.New("5 GiB"))
	want := "too_large: 5 GiB"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
