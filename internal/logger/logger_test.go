package logger

import (
	"testing"

	"github.com/WhileEndless/go-reverseproxy/internal/config"
)

func TestNewDefaultsToInfoAndText(t *testing.T) {
	l, closeFn, err := New(config.Logging{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if l == nil {
		t.Fatalf("expected a non-nil logger")
	}
	if !l.Enabled(nil, 0) {
		t.Fatalf("expected info level to be enabled by default")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.Logging{Level: "not-a-level"})
	if err == nil {
		t.Fatalf("expected an error for an unknown log level")
	}
}

func TestNewJSONFormat(t *testing.T) {
	l, closeFn, err := New(config.Logging{Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if l == nil {
		t.Fatalf("expected a non-nil logger")
	}
}
