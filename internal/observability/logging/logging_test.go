package logging

import (
	"testing"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("default construction failed: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if !logger.Core().Enabled(0) { // InfoLevel
		t.Fatal("expected info level enabled by default")
	}
	if logger.Core().Enabled(-1) { // DebugLevel
		t.Fatal("expected debug disabled by default")
	}
}

func TestNewDebugConsole(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "debug", Encoding: "console"})
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level enabled")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected invalid level to be rejected")
	}
	if _, err := New(Config{Encoding: "xml"}); err == nil {
		t.Fatal("expected invalid encoding to be rejected")
	}
}

func TestComponentNilRoot(t *testing.T) {
	t.Parallel()

	logger := Component(nil, "watchdog")
	if logger == nil {
		t.Fatal("expected a nop logger for a nil root")
	}
	logger.Info("must not panic")
}
