package proxyerr

import (
	"errors"
	"testing"
)

func TestConstructorsSetExpectedKind(t *testing.T) {
	cause := errors.New("boom")

	cases := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"client timeout", NewClientTimeout("1.2.3.4:80", cause), KindClientConnectionTimeout},
		{"client closed", NewClientClosed("1.2.3.4:80", cause), KindClientConnectionClosed},
		{"upstream timeout", NewUpstreamTimeout("5.6.7.8:80", cause), KindUpstreamConnectionTimeout},
		{"upstream closed", NewUpstreamClosed("5.6.7.8:80", cause), KindUpstreamConnectionClosed},
		{"http parse", NewHTTPParseError("reading line", cause), KindHTTPParseError},
		{"pool", NewPoolConnectionError("acquire", "5.6.7.8:80", "exhausted"), KindPoolConnectionError},
		{"validation", NewValidationError("bad field"), KindValidationError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, tc.err.Kind)
			}
			if Of(tc.err) != tc.kind {
				t.Fatalf("Of: expected kind %v, got %v", tc.kind, Of(tc.err))
			}
			if !Is(tc.err, tc.kind) {
				t.Fatalf("Is: expected true for matching kind")
			}
		})
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial refused")
	err := NewUpstreamClosed("10.0.0.1:9000", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	a := NewClientTimeout("a", nil)
	b := NewClientTimeout("b", errors.New("different cause"))
	c := NewClientClosed("a", nil)

	if !errors.Is(a, &Error{Kind: KindClientConnectionTimeout}) {
		t.Fatalf("expected a to match on kind")
	}
	if !a.Is(b) {
		t.Fatalf("expected two errors of the same kind to match regardless of Addr/Cause")
	}
	if a.Is(c) {
		t.Fatalf("expected errors of different kinds not to match")
	}
}

func TestWithMessageReplacesMessageOnly(t *testing.T) {
	base := NewHTTPParseError("parsing request line", nil)
	refined := base.WithMessage("unknown method FOO")

	if refined.Message != "unknown method FOO" {
		t.Fatalf("expected refined message, got %q", refined.Message)
	}
	if base.Message == refined.Message {
		t.Fatalf("expected WithMessage to return a copy, not mutate the receiver")
	}
	if refined.Kind != base.Kind || refined.Op != base.Op {
		t.Fatalf("expected WithMessage to preserve Kind and Op")
	}
}

func TestErrorStringIncludesKindAndMessage(t *testing.T) {
	err := NewPoolConnectionError("acquire", "10.0.0.1:9000", "timed out waiting for a free upstream connection")
	s := err.Error()

	if s == "" {
		t.Fatalf("expected a non-empty error string")
	}
	if !containsAll(s, string(KindPoolConnectionError), "acquire", "10.0.0.1:9000", "timed out waiting") {
		t.Fatalf("expected error string to include kind/op/addr/message, got %q", s)
	}
}

func TestOfReturnsEmptyKindForForeignErrors(t *testing.T) {
	if Of(errors.New("not ours")) != "" {
		t.Fatalf("expected empty kind for a non-proxyerr error")
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !contains(s, p) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
