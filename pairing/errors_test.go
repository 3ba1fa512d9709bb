package pairing

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfAndUserMessage(t *testing.T) {
	cases := []struct {
		err     error
		kind    FailureKind
		message string
	}{
		{nil, FailureNone, ""},
		{ErrDiscoveryTimeout, FailureDiscoveryTimeout, "pairing failed, try again"},
		{&ExchangeError{Op: "fetch", Err: errors.New("connection refused")}, FailureExchange, "pairing failed, try again"},
		{&ExchangeError{Op: "start relay", Err: &RelayError{Op: "start", Err: errors.New("in use")}}, FailureExchange, "pairing failed, try again"},
		{fmt.Errorf("wrapped: %w", ErrDuplicateParty), FailureDuplicateParty, "please use two different keyshares, one per device"},
		{&CeremonyError{Err: errors.New("insufficient funds")}, FailureCeremony, "insufficient funds"},
		{&RelayError{Op: "stop", Err: errors.New("x")}, FailureRelay, "pairing failed, try again"},
		{ErrAmbiguousRole, FailureAmbiguousRole, "both devices have the same address ending, connect them so their addresses differ"},
		{ErrAborted, FailureAborted, "pairing cancelled"},
		{context.Canceled, FailureAborted, "pairing cancelled"},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v): got %s want %s", tc.err, got, tc.kind)
		}
		if got := UserMessage(tc.err); got != tc.message {
			t.Fatalf("UserMessage(%v): got %q want %q", tc.err, got, tc.message)
		}
	}
}

func TestFailureKindRetryable(t *testing.T) {
	if !FailureDiscoveryTimeout.Retryable() || !FailureExchange.Retryable() {
		t.Fatalf("timeouts and exchange failures must be retryable")
	}
	if FailureDuplicateParty.Retryable() || FailureCeremony.Retryable() {
		t.Fatalf("duplicate party and ceremony failures are not retryable as-is")
	}
}
