package synccache

import (
	"testing"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
)

func TestCursorRoundTrip(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok, err := cache.Cursor("color"); err != nil || ok {
		t.Fatalf("expected no cursor initially, got ok=%v err=%v", ok, err)
	}

	ts := time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.UTC)
	if err := cache.SetCursor("color", ts); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	got, ok, err := cache.Cursor("color")
	if err != nil || !ok {
		t.Fatalf("Cursor failed: ok=%v err=%v", ok, err)
	}
	if !got.Equal(ts) {
		t.Fatalf("cursor lost precision: got %v want %v", got, ts)
	}

	// Cursors key independently.
	if _, ok, _ := cache.Cursor(MovedKey("color")); ok {
		t.Fatalf("moved cursor should be independent of the main cursor")
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	empty, err := cache.Messages("color")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no cached messages, got %d", len(empty))
	}

	messages := []engagement.Message{
		{
			MessageID:   "m1",
			Text:        "blue",
			Dataset:     "color",
			Status:      engagement.MessageStatusLive,
			LastUpdated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Origin:      engagement.Origin{OriginID: "test.m1"},
		},
	}
	if err := cache.SetMessages("color", messages); err != nil {
		t.Fatalf("SetMessages failed: %v", err)
	}
	got, err := cache.Messages("color")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "m1" || !got[0].LastUpdated.Equal(messages[0].LastUpdated) {
		t.Fatalf("unexpected cached messages: %+v", got)
	}
}

func TestLastSeenMessageRoundTrip(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := cache.LastSeenMessage("color")
	if err != nil {
		t.Fatalf("LastSeenMessage failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no last seen message, got %+v", got)
	}

	msg := engagement.Message{
		MessageID:   "m1",
		Dataset:     "color",
		LastUpdated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := cache.SetLastSeenMessage("color", msg); err != nil {
		t.Fatalf("SetLastSeenMessage failed: %v", err)
	}
	got, err = cache.LastSeenMessage("color")
	if err != nil {
		t.Fatalf("LastSeenMessage failed: %v", err)
	}
	if got == nil || got.MessageID != "m1" || !got.LastUpdated.Equal(msg.LastUpdated) {
		t.Fatalf("unexpected last seen message: %+v", got)
	}
}

func TestSanitizedKeysDoNotEscapeCacheDir(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := cache.SetCursor("../escape/attempt", time.Now()); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if _, ok, err := cache.Cursor("../escape/attempt"); err != nil || !ok {
		t.Fatalf("sanitized cursor not readable: ok=%v err=%v", ok, err)
	}
}
