package torerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsSentinel(t *testing.T) {
	err := New(KindMalformed, "bad length field")
	if !errors.Is(err, Malformed) {
		t.Fatal("expected errors.Is to match the Malformed sentinel")
	}
	if errors.Is(err, Truncated) {
		t.Fatal("did not expect errors.Is to match Truncated")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := fmt.Errorf("read: EOF")
	err := Wrap(KindTransport, cause, "read cell header")
	if !errors.Is(err, Transport) {
		t.Fatal("expected Transport sentinel match")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestKindString(t *testing.T) {
	if KindAuthFailed.String() != "auth_failed" {
		t.Fatalf("unexpected string: %s", KindAuthFailed.String())
	}
}
