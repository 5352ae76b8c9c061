package media

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPortAllocator(t *testing.T) {
	a, err := NewPortAllocator(40000, 40007, testLogger())
	if err != nil {
		t.Fatalf("NewPortAllocator: %v", err)
	}
	if a.Capacity() != 4 {
		t.Errorf("Capacity() = %d, want 4", a.Capacity())
	}

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if port%2 != 0 {
			t.Errorf("allocated odd port %d", port)
		}
		if port < 40000 || port > 40006 {
			t.Errorf("port %d outside range", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}

	if _, err := a.Allocate(); err == nil {
		t.Error("expected exhaustion error")
	}

	// Releasing makes a port allocatable again.
	for port := range seen {
		a.Release(port)
		break
	}
	if _, err := a.Allocate(); err != nil {
		t.Errorf("Allocate after release: %v", err)
	}
}

func TestNewPortAllocator_Validation(t *testing.T) {
	if _, err := NewPortAllocator(40001, 40010, testLogger()); err == nil {
		t.Error("expected error for odd portMin")
	}
	if _, err := NewPortAllocator(40000, 40000, testLogger()); err == nil {
		t.Error("expected error for empty range")
	}
}
