package logging

import "testing"

func TestNew(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		log, err := New(level)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", level, err)
		}
		if log == nil {
			t.Fatalf("New(%q) returned a nil logger", level)
		}
	}
	if _, err := New("loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}
