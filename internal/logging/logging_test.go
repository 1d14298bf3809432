package logging

import (
	"os"
	"testing"
)

func TestNewProductionLogger(t *testing.T) {
	log, err := New("production")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
}

func TestNewDevLogger(t *testing.T) {
	log, err := New("dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
}

func TestNewRejectsInvalidLogLevel(t *testing.T) {
	if err := os.Setenv("SENTINEL_LOG_LEVEL", "not-a-level"); err != nil {
		t.Fatalf("setenv: %v", err)
	}
	defer os.Unsetenv("SENTINEL_LOG_LEVEL")

	if _, err := New("production"); err == nil {
		t.Fatal("expected invalid SENTINEL_LOG_LEVEL to error")
	}
}

func TestNoop(t *testing.T) {
	log := Noop()
	log.Info("discarded")
}
