package fetcher

import (
	"errors"
	"testing"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
)

func TestLatestSnapshotsKeepsNewestVersion(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	messages := []engagement.Message{
		{MessageID: "m1", Text: "old", LastUpdated: base},
		{MessageID: "m1", Text: "new", LastUpdated: base.Add(time.Minute)},
		{MessageID: "m2", Text: "only", LastUpdated: base},
	}
	latest := LatestSnapshots(messages)
	if len(latest) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(latest))
	}
	byID := make(map[string]engagement.Message)
	for _, msg := range latest {
		byID[msg.MessageID] = msg
	}
	if byID["m1"].Text != "new" {
		t.Fatalf("kept the stale version of m1: %q", byID["m1"].Text)
	}
}

func TestActiveMessagesFiltersSupersededStale(t *testing.T) {
	messages := []engagement.Message{
		{MessageID: "m1", ParticipantUUID: "p1", Status: engagement.MessageStatusLive},
		{MessageID: "m2", ParticipantUUID: "p1", Status: engagement.MessageStatusStale},
		{MessageID: "m3", ParticipantUUID: "p2", Status: engagement.MessageStatusStale},
	}
	active := ActiveMessages(messages)
	if len(active) != 2 {
		t.Fatalf("expected 2 active messages, got %d", len(active))
	}
	ids := map[string]bool{}
	for _, msg := range active {
		ids[msg.MessageID] = true
	}
	if !ids["m1"] || !ids["m3"] || ids["m2"] {
		t.Fatalf("unexpected active set: %v", ids)
	}
}

func TestAssertUniqueOrigins(t *testing.T) {
	good := map[string][]engagement.Message{
		"color": {{MessageID: "m1", Origin: engagement.Origin{OriginID: "o1"}}},
		"age":   {{MessageID: "m2", Origin: engagement.Origin{OriginID: "o2"}}},
	}
	if err := assertUniqueOrigins(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := map[string][]engagement.Message{
		"color": {{MessageID: "m1", Origin: engagement.Origin{OriginID: "o1"}}},
		"age":   {{MessageID: "m2", Origin: engagement.Origin{OriginID: "o1"}}},
	}
	err := assertUniqueOrigins(bad)
	var violation *engagement.InvariantViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected an InvariantViolation, got %v", err)
	}
	if violation.OriginID != "o1" {
		t.Fatalf("violation names origin %q", violation.OriginID)
	}
}
