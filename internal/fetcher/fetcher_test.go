package fetcher

import (
	"context"
	"testing"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/synccache"
)

func newFetcherTestEnv(t *testing.T) (*engagement.MemoryStore, *synccache.Cache, *Fetcher) {
	t.Helper()
	store := engagement.NewMemoryStore()
	cache, err := synccache.New(t.TempDir())
	if err != nil {
		t.Fatalf("synccache.New failed: %v", err)
	}
	return store, cache, &Fetcher{Store: store, Cache: cache}
}

func ingest(t *testing.T, store *engagement.MemoryStore, id, participant, text, dataset string) engagement.Message {
	t.Helper()
	written, err := store.SetMessage(context.Background(), engagement.Message{
		MessageID:       id,
		ParticipantUUID: participant,
		Text:            text,
		Status:          engagement.MessageStatusLive,
		Dataset:         dataset,
		Origin:          engagement.Origin{OriginID: "test." + id, OriginType: "test"},
	}, engagement.Provenance{Name: "test ingest"}, nil)
	if err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}
	return written
}

func TestFullThenIncrementalFetch(t *testing.T) {
	store, cache, fetcher := newFetcherTestEnv(t)
	ctx := context.Background()

	first := ingest(t, store, "m1", "p1", "blue", "color")

	got, err := fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("MessagesInDatasets failed: %v", err)
	}
	if len(got["color"]) != 1 || got["color"][0].MessageID != "m1" {
		t.Fatalf("full fetch returned %+v", got["color"])
	}

	cursor, ok, err := cache.Cursor("color")
	if err != nil || !ok {
		t.Fatalf("expected a cursor after the full fetch: ok=%v err=%v", ok, err)
	}
	if !cursor.Equal(first.LastUpdated) {
		t.Fatalf("cursor %v, want %v", cursor, first.LastUpdated)
	}
	// The corrected cursor initializes alongside the main one on the first
	// full download.
	if _, ok, _ := cache.Cursor(synccache.MovedKey("color")); !ok {
		t.Fatalf("moved cursor was not initialized on the first full download")
	}

	ingest(t, store, "m2", "p2", "green", "color")

	got, err = fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("incremental fetch failed: %v", err)
	}
	if len(got["color"]) != 2 {
		t.Fatalf("incremental fetch returned %d messages, want 2", len(got["color"]))
	}
}

func TestIncrementalFetchPicksUpUpdates(t *testing.T) {
	store, _, fetcher := newFetcherTestEnv(t)
	ctx := context.Background()

	msg := ingest(t, store, "m1", "p1", "blue", "color")
	if _, err := fetcher.MessagesInDatasets(ctx, []string{"color"}); err != nil {
		t.Fatalf("full fetch failed: %v", err)
	}

	msg.Text = "dark blue"
	if _, err := store.SetMessage(ctx, msg, engagement.Provenance{Name: "edit"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	got, err := fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("incremental fetch failed: %v", err)
	}
	if len(got["color"]) != 1 || got["color"][0].Text != "dark blue" {
		t.Fatalf("incremental fetch did not surface the update: %+v", got["color"])
	}
}

func TestMovedMessagesAreRetracted(t *testing.T) {
	store, _, fetcher := newFetcherTestEnv(t)
	ctx := context.Background()

	msg := ingest(t, store, "m1", "p1", "blue", "color")
	if _, err := fetcher.MessagesInDatasets(ctx, []string{"color"}); err != nil {
		t.Fatalf("full fetch failed: %v", err)
	}

	// Correct the message into another dataset after it entered the cache.
	msg.PreviousDatasets = append(msg.PreviousDatasets, msg.Dataset)
	msg.Dataset = "other"
	msg.Labels = []engagement.Label{}
	if _, err := store.SetMessage(ctx, msg, engagement.Provenance{Name: "correction"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	got, err := fetcher.MessagesInDatasets(ctx, []string{"color", "other"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got["color"]) != 0 {
		t.Fatalf("corrected message still reported under color: %+v", got["color"])
	}
	if len(got["other"]) != 1 || got["other"][0].MessageID != "m1" {
		t.Fatalf("corrected message missing from other: %+v", got["other"])
	}

	// The retraction must stick on later runs that see no new activity.
	got, err = fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got["color"]) != 0 {
		t.Fatalf("retraction did not persist: %+v", got["color"])
	}
}

func TestReenteredMessagesAreNotRetracted(t *testing.T) {
	store, _, fetcher := newFetcherTestEnv(t)
	ctx := context.Background()

	msg := ingest(t, store, "m1", "p1", "blue", "color")
	if _, err := fetcher.MessagesInDatasets(ctx, []string{"color"}); err != nil {
		t.Fatalf("full fetch failed: %v", err)
	}

	// Away and back: previous_datasets now mentions color but the message
	// currently lives there again.
	msg.PreviousDatasets = []string{"color", "other"}
	msg.Dataset = "color"
	if _, err := store.SetMessage(ctx, msg, engagement.Provenance{Name: "round trip"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	got, err := fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got["color"]) != 1 {
		t.Fatalf("re-entered message was wrongly retracted: %+v", got["color"])
	}
}

func TestDryRunDoesNotAdvanceCursors(t *testing.T) {
	store, cache, _ := newFetcherTestEnv(t)
	fetcher := &Fetcher{Store: store, Cache: cache, DryRun: true}
	ctx := context.Background()

	ingest(t, store, "m1", "p1", "blue", "color")
	got, err := fetcher.MessagesInDatasets(ctx, []string{"color"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got["color"]) != 1 {
		t.Fatalf("dry run should still report messages, got %+v", got["color"])
	}
	if _, ok, _ := cache.Cursor("color"); ok {
		t.Fatalf("dry run advanced the cursor")
	}
	cached, err := cache.Messages("color")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(cached) != 0 {
		t.Fatalf("dry run wrote %d messages to the cache", len(cached))
	}
}

func TestFetcherWithoutCacheAlwaysFetchesFull(t *testing.T) {
	store := engagement.NewMemoryStore()
	fetcher := &Fetcher{Store: store}
	ctx := context.Background()

	ingest(t, store, "m1", "p1", "blue", "color")
	for i := 0; i < 2; i++ {
		got, err := fetcher.MessagesInDatasets(ctx, []string{"color"})
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if len(got["color"]) != 1 {
			t.Fatalf("fetch %d returned %+v", i, got["color"])
		}
	}
}
