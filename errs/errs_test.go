package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"binance.com",
		CodeAuth,
		WithHTTP(400),
		WithMessage("listen key rejected"),
		WithRawCode("-2015"),
		WithRawMessage("Invalid API-key, IP, or permissions for action."),
		WithCanonicalCode(CanonicalListenKeyRejected),
		WithStream("7c4d"),
		WithField("path", "/api/v3/userDataStream"),
		WithField("method", "POST"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=binance.com") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=auth") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=listen_key_rejected") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "stream=7c4d") {
		t.Fatalf("expected stream id in error string: %s", out)
	}
	expectedMeta := "meta=method=\"POST\",path=\"/api/v3/userDataStream\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("binance.com", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestHasCodeFollowsWrapping(t *testing.T) {
	base := New("binance.com", CodeLimitExceeded, WithCanonicalCode(CanonicalSubscriptionLimit))
	wrapped := fmt.Errorf("subscribe: %w", base)

	if !HasCode(wrapped, CodeLimitExceeded) {
		t.Fatalf("expected wrapped error to carry limit_exceeded")
	}
	if HasCode(wrapped, CodeAuth) {
		t.Fatalf("unexpected auth code match")
	}
	if !HasCanonical(wrapped, CanonicalSubscriptionLimit) {
		t.Fatalf("expected canonical subscription_limit")
	}
	if HasCode(errors.New("plain"), CodeLimitExceeded) {
		t.Fatalf("plain errors never match")
	}
}

func TestNotSupported(t *testing.T) {
	err := NotSupported("binance.org", "listing subscriptions")
	if err.Canonical != CanonicalCapabilityMissing {
		t.Fatalf("expected capability_missing, got %q", err.Canonical)
	}
	if err.Exchange != "binance.org" {
		t.Fatalf("unexpected exchange %q", err.Exchange)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
