package fetcher

import (
	"sort"

	"github.com/engagekit/engagesync/internal/engagement"
)

// LatestSnapshots keeps only the highest-last_updated version of each
// message id in the given list.
func LatestSnapshots(messages []engagement.Message) []engagement.Message {
	ordered := make([]engagement.Message, len(messages))
	copy(ordered, messages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastUpdated.After(ordered[j].LastUpdated)
	})

	seen := make(map[string]bool, len(ordered))
	latest := make([]engagement.Message, 0, len(ordered))
	for _, msg := range ordered {
		if seen[msg.MessageID] {
			continue
		}
		seen[msg.MessageID] = true
		latest = append(latest, msg)
	}
	return latest
}

// ActiveMessages selects the messages that should count toward analysis for
// one dataset: every live message, plus stale messages from participants
// with no live message in the dataset.
func ActiveMessages(messages []engagement.Message) []engagement.Message {
	live := make([]engagement.Message, 0, len(messages))
	stale := make([]engagement.Message, 0)
	for _, msg := range messages {
		switch msg.Status {
		case engagement.MessageStatusLive:
			live = append(live, msg)
		case engagement.MessageStatusStale:
			stale = append(stale, msg)
		}
	}

	liveParticipants := make(map[string]bool, len(live))
	for _, msg := range live {
		liveParticipants[msg.ParticipantUUID] = true
	}
	active := live
	for _, msg := range stale {
		if !liveParticipants[msg.ParticipantUUID] {
			active = append(active, msg)
		}
	}
	return active
}

// assertUniqueOrigins fails if any two messages across all datasets share an
// origin id. A duplicate means the store or the local cache is corrupt, not
// a recoverable state.
func assertUniqueOrigins(messagesByDataset map[string][]engagement.Message) error {
	seen := make(map[string]string)
	for dataset, messages := range messagesByDataset {
		for _, msg := range messages {
			key := msg.Origin.Key()
			if firstID, ok := seen[key]; ok {
				return &engagement.InvariantViolation{
					Reason:    "multiple messages share one origin id (first seen on message " + firstID + ")",
					MessageID: msg.MessageID,
					OriginID:  key,
					Dataset:   dataset,
				}
			}
			seen[key] = msg.MessageID
		}
	}
	return nil
}
