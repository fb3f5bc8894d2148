// Package fetcher reads consistent per-dataset message snapshots out of the
// engagement store, incrementally where a cache is available.
package fetcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/synccache"
)

type Fetcher struct {
	Store  engagement.MessageStore
	Cache  *synccache.Cache
	Log    *zap.SugaredLogger
	DryRun bool
}

// MessagesInDatasets downloads the requested datasets and reduces the result
// to the latest active snapshot of each message.
//
// Per dataset, if no cache cursor exists everything with status live/stale
// is downloaded. Otherwise only messages updated since the cursor are
// fetched, together with messages that moved away from the dataset since
// the corrected cursor, so stale cache entries can be retracted. The merged
// set is then reduced per dataset, reduced again globally (to handle
// messages that changed dataset mid-fetch), checked for origin uniqueness,
// and filtered to active messages.
func (f *Fetcher) MessagesInDatasets(ctx context.Context, datasets []string) (map[string][]engagement.Message, error) {
	messagesByDataset := make(map[string][]engagement.Message, len(datasets))

	for _, dataset := range datasets {
		messages, err := f.fetchDataset(ctx, dataset)
		if err != nil {
			return nil, err
		}
		messagesByDataset[dataset] = messages
	}

	// Reduce across datasets: a message may have moved dataset between two
	// per-dataset fetches, so re-bucket every message by its current
	// dataset after keeping only the globally latest version.
	total := 0
	all := make([]engagement.Message, 0)
	for _, messages := range messagesByDataset {
		total += len(messages)
		all = append(all, messages...)
	}
	allLatest := LatestSnapshots(all)
	f.debugf("reduced to latest snapshots across all datasets: %d/%d remain", len(allLatest), total)

	reduced := make(map[string][]engagement.Message, len(datasets))
	for _, dataset := range datasets {
		reduced[dataset] = []engagement.Message{}
	}
	for _, msg := range allLatest {
		reduced[msg.Dataset] = append(reduced[msg.Dataset], msg)
	}

	if err := assertUniqueOrigins(reduced); err != nil {
		return nil, err
	}

	for dataset, messages := range reduced {
		active := ActiveMessages(messages)
		f.debugf("filtered %s for active messages: %d/%d remain", dataset, len(active), len(messages))
		reduced[dataset] = active
	}
	return reduced, nil
}

func (f *Fetcher) fetchDataset(ctx context.Context, dataset string) ([]engagement.Message, error) {
	var (
		cursor    time.Time
		hasCursor bool
		err       error
	)
	if f.Cache != nil {
		cursor, hasCursor, err = f.Cache.Cursor(dataset)
		if err != nil {
			return nil, err
		}
	}

	var messages []engagement.Message
	if hasCursor {
		messages, err = f.fetchIncremental(ctx, dataset, cursor)
	} else {
		messages, err = f.fetchFull(ctx, dataset)
	}
	if err != nil {
		return nil, err
	}

	// Reduce within the dataset first; this keeps the cached blob small.
	latest := LatestSnapshots(messages)
	f.debugf("reduced %s to latest snapshots: %d/%d remain", dataset, len(latest), len(messages))

	newCursor := cursor
	for _, msg := range latest {
		if msg.LastUpdated.After(newCursor) {
			newCursor = msg.LastUpdated
		}
	}

	if f.Cache != nil && !f.DryRun && !newCursor.IsZero() {
		if err := f.Cache.SetCursor(dataset, newCursor); err != nil {
			return nil, err
		}
		if !hasCursor {
			// Nothing can have moved away before the cache existed, so the
			// corrected cursor starts where the main cursor starts.
			if err := f.Cache.SetCursor(synccache.MovedKey(dataset), newCursor); err != nil {
				return nil, err
			}
		}
		// Always rewrite the blob, empty included, so retractions that
		// empty a dataset survive into the next run.
		if err := f.Cache.SetMessages(dataset, latest); err != nil {
			return nil, err
		}
	}
	return latest, nil
}

func (f *Fetcher) fetchFull(ctx context.Context, dataset string) ([]engagement.Message, error) {
	f.debugf("performing a full download for %s messages", dataset)
	return f.Store.GetMessages(ctx, engagement.NewQuery().
		Where(engagement.FieldDataset, engagement.OpEquals, dataset).
		Where(engagement.FieldStatus, engagement.OpIn,
			[]engagement.MessageStatus{engagement.MessageStatusLive, engagement.MessageStatusStale}),
		nil)
}

func (f *Fetcher) fetchIncremental(ctx context.Context, dataset string, cursor time.Time) ([]engagement.Message, error) {
	f.debugf("performing incremental download for %s messages", dataset)

	updated, err := f.Store.GetMessages(ctx, engagement.NewQuery().
		Where(engagement.FieldDataset, engagement.OpEquals, dataset).
		Where(engagement.FieldLastUpdated, engagement.OpGreaterThan, cursor),
		nil)
	if err != nil {
		return nil, err
	}

	movedCursor, _, err := f.Cache.Cursor(synccache.MovedKey(dataset))
	if err != nil {
		return nil, err
	}
	movedCandidates, err := f.Store.GetMessages(ctx, engagement.NewQuery().
		Where(engagement.FieldPreviousDataset, engagement.OpArrayContains, dataset).
		Where(engagement.FieldLastUpdated, engagement.OpGreaterThan, movedCursor),
		nil)
	if err != nil {
		return nil, err
	}

	// Messages whose current dataset is still this one re-entered it after
	// leaving; they are already covered by the updated query and must not be
	// retracted.
	moved := make([]engagement.Message, 0, len(movedCandidates))
	for _, msg := range movedCandidates {
		if msg.Dataset != dataset {
			moved = append(moved, msg)
		}
	}
	f.debugf("downloaded %d updated messages in %s and %d messages that moved away", len(updated), dataset, len(moved))

	if len(movedCandidates) > 0 && !f.DryRun {
		newMovedCursor := movedCursor
		for _, msg := range movedCandidates {
			if msg.LastUpdated.After(newMovedCursor) {
				newMovedCursor = msg.LastUpdated
			}
		}
		if err := f.Cache.SetCursor(synccache.MovedKey(dataset), newMovedCursor); err != nil {
			return nil, err
		}
	}

	movedIDs := make(map[string]bool, len(moved))
	for _, msg := range moved {
		movedIDs[msg.MessageID] = true
	}
	cached, err := f.Cache.Messages(dataset)
	if err != nil {
		return nil, err
	}
	messages := updated
	for _, msg := range cached {
		if !movedIDs[msg.MessageID] {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (f *Fetcher) debugf(format string, args ...any) {
	if f.Log != nil {
		f.Log.Debugf(format, args...)
	}
}
