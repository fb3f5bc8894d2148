package engagement

import (
	"context"
	"errors"
	"testing"
)

func TestEnsureMessageCreatesThenSkips(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := newTestMessage("", "p1", "blue", "color")

	result, err := EnsureMessage(ctx, store, msg, Provenance{Name: "csv ingest"}, false)
	if err != nil {
		t.Fatalf("EnsureMessage failed: %v", err)
	}
	if result != EnsureCreated {
		t.Fatalf("expected created, got %s", result)
	}

	// Retrying the same origin, even with different content, must not write.
	msg.Text = "different text"
	result, err = EnsureMessage(ctx, store, msg, Provenance{Name: "csv ingest retry"}, false)
	if err != nil {
		t.Fatalf("EnsureMessage retry failed: %v", err)
	}
	if result != EnsureAlreadyPresent {
		t.Fatalf("expected already_present, got %s", result)
	}

	got, err := store.GetMessages(ctx, NewQuery().Where(FieldOriginID, OpEquals, msg.Origin.Key()), nil)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(got))
	}
	if got[0].Text != "blue" {
		t.Fatalf("retry overwrote the original message: %q", got[0].Text)
	}
}

func TestEnsureMessageDryRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := newTestMessage("", "p1", "blue", "color")

	result, err := EnsureMessage(ctx, store, msg, Provenance{Name: "csv ingest"}, true)
	if err != nil {
		t.Fatalf("EnsureMessage failed: %v", err)
	}
	if result != EnsureCreated {
		t.Fatalf("dry run should still report what it would do, got %s", result)
	}

	got, err := store.GetMessages(ctx, NewQuery(), nil)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("dry run wrote %d messages", len(got))
	}
}

func TestEnsureMessageRejectsEmptyOrigin(t *testing.T) {
	store := NewMemoryStore()
	msg := newTestMessage("", "p1", "blue", "color")
	msg.Origin = Origin{}

	_, err := EnsureMessage(context.Background(), store, msg, Provenance{Name: "test"}, false)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEnsureMessageDetectsDuplicateOrigins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Write two messages sharing one origin id directly, bypassing the
	// guard, to simulate store corruption.
	first := newTestMessage("m1", "p1", "blue", "color")
	second := newTestMessage("m2", "p1", "blue", "color")
	second.Origin = first.Origin
	for _, msg := range []Message{first, second} {
		if _, err := store.SetMessage(ctx, msg, Provenance{Name: "test"}, nil); err != nil {
			t.Fatalf("SetMessage failed: %v", err)
		}
	}

	_, err := EnsureMessage(ctx, store, first, Provenance{Name: "test"}, false)
	var violation *InvariantViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected an InvariantViolation, got %v", err)
	}
	if violation.OriginID != first.Origin.Key() {
		t.Fatalf("violation names origin %q, want %q", violation.OriginID, first.Origin.Key())
	}
}
