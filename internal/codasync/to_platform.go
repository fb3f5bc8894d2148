package codasync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/labeling"
	"github.com/engagekit/engagesync/internal/synccache"
)

// StoreToPlatform walks each configured dataset's messages in
// (last_updated, message_id) order and makes sure every one exists on the
// labeling platform, assigning coda ids and reconciling labels on the way.
// Each message is processed in its own store transaction; the whole pass is
// idempotent and resumes from the cached last-seen message.
type StoreToPlatform struct {
	Store    engagement.MessageStore
	Platform labeling.PlatformClient
	Config   SyncConfig
	Cache    *synccache.Cache
	Log      *zap.SugaredLogger
	Metrics  *engagement.Metrics
	DryRun   bool
	Now      func() time.Time
}

func (s *StoreToPlatform) Sync(ctx context.Context) (*engagement.SyncStats, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	total := newStats()
	for _, datasetConfig := range s.Config.DatasetConfigs {
		s.infof("syncing store dataset %s to platform collection %s",
			datasetConfig.StoreDataset, datasetConfig.PlatformCollection)
		stats, err := s.syncDataset(ctx, datasetConfig)
		if stats != nil {
			total.Merge(stats)
		}
		if err != nil {
			return total, err
		}
	}
	total.LogSummary(s.Log, "store_to_platform")
	return total, nil
}

func (s *StoreToPlatform) syncDataset(ctx context.Context, datasetConfig DatasetConfig) (*engagement.SyncStats, error) {
	stats := newStats()
	if s.Metrics != nil {
		stats.Observer = s.Metrics.ObserverFor(datasetConfig.StoreDataset)
	}

	var lastSeen *engagement.Message
	if s.Cache != nil {
		cached, err := s.Cache.LastSeenMessage(datasetConfig.StoreDataset)
		if err != nil {
			return stats, err
		}
		lastSeen = cached
	}

	syncedCount := 0
	syncedIDs := make(map[string]bool)
	for {
		synced, err := s.syncNextMessage(ctx, datasetConfig, lastSeen, stats)
		if err != nil {
			return stats, err
		}
		if synced == nil {
			s.infof("no more new messages in dataset %s", datasetConfig.StoreDataset)
			return stats, nil
		}

		syncedCount++
		syncedIDs[synced.MessageID] = true
		if s.Cache != nil && !s.DryRun {
			if err := s.Cache.SetLastSeenMessage(datasetConfig.StoreDataset, *synced); err != nil {
				return stats, err
			}
		}
		lastSeen = synced

		// The same message id can be seen more than once in a run when a
		// write (coda id, labels, correction) re-bumps its last_updated.
		s.debugf("synced %d message objects (%d unique message ids) in dataset %s",
			syncedCount, len(syncedIDs), datasetConfig.StoreDataset)
	}
}

// syncNextMessage syncs the least recently updated message after lastSeen,
// inside one store transaction. It returns nil when the dataset is
// exhausted.
func (s *StoreToPlatform) syncNextMessage(ctx context.Context, datasetConfig DatasetConfig,
	lastSeen *engagement.Message, stats *engagement.SyncStats) (*engagement.Message, error) {

	var synced *engagement.Message
	err := s.Store.Transaction(ctx, func(txn engagement.Txn) error {
		query := engagement.NewQuery().
			Where(engagement.FieldStatus, engagement.OpIn,
				[]engagement.MessageStatus{engagement.MessageStatusLive, engagement.MessageStatusStale}).
			Where(engagement.FieldDataset, engagement.OpEquals, datasetConfig.StoreDataset).
			OrderedBy(engagement.FieldLastUpdated, engagement.FieldMessageID).
			WithLimit(1)
		if lastSeen != nil {
			query = query.
				Where(engagement.FieldLastUpdated, engagement.OpGreaterOrEqual, lastSeen.LastUpdated).
				StartingAfter(lastSeen.LastUpdated, lastSeen.MessageID)
		}

		messages, err := s.Store.GetMessages(ctx, query, txn)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		msg := messages[0]
		stats.Add(EventReadMessage)
		s.debugf("syncing message %s", msg.MessageID)

		// Ensure the message has its deterministic platform identity. Once
		// set it must always equal the hash of the text.
		if msg.CodaID == "" {
			msg.CodaID = engagement.CodaIDForText(msg.Text)
			stats.Add(EventSetCodaID)
			// The cursor must keep the read-time (last_updated, message_id)
			// position: the write gives the message the store's newest
			// last_updated, and advancing to that would jump the cursor past
			// every other message still waiting in this pass. The rewritten
			// copy is simply visited again later.
			if s.DryRun {
				stats.Add(EventDryRunWrite)
			} else if _, err := s.Store.SetMessage(ctx, msg,
				engagement.Provenance{Name: "Set coda_id"}, txn); err != nil {
				return err
			}
		}
		if msg.CodaID != engagement.CodaIDForText(msg.Text) {
			return &engagement.InvariantViolation{
				Reason:    "coda_id does not match the hash of the message text",
				MessageID: msg.MessageID,
				OriginID:  msg.Origin.Key(),
				Dataset:   msg.Dataset,
			}
		}

		platformMsg, err := s.Platform.GetMessage(ctx, datasetConfig.PlatformCollection, msg.CodaID)
		if err != nil {
			return err
		}
		if platformMsg != nil {
			s.debugf("message %s already exists on the platform", msg.MessageID)
			rec := s.reconciler()
			if err := rec.reconcile(ctx, msg, *platformMsg, datasetConfig, txn, stats); err != nil {
				return err
			}
		} else if err := s.addToPlatform(ctx, datasetConfig, msg, stats); err != nil {
			return err
		}

		synced = &msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return synced, nil
}

// addToPlatform pushes a message the platform has never seen. Existing
// labels are copied through after validation; otherwise configured
// auto-coders seed the initial labels.
func (s *StoreToPlatform) addToPlatform(ctx context.Context, datasetConfig DatasetConfig,
	msg engagement.Message, stats *engagement.SyncStats) error {

	platformMsg := labeling.PlatformMessage{
		MessageID:           msg.CodaID,
		Text:                msg.Text,
		CreationDateTimeUTC: msg.Timestamp.UTC(),
		Labels:              []engagement.Label{},
	}

	if len(msg.Labels) > 0 {
		validSchemes := make(map[string]labeling.CodeScheme, len(datasetConfig.SchemeConfigs)+1)
		for _, schemeConfig := range datasetConfig.SchemeConfigs {
			validSchemes[schemeConfig.Scheme.SchemeID] = schemeConfig.Scheme
		}
		validSchemes[s.Config.CorrectionScheme.SchemeID] = s.Config.CorrectionScheme

		for _, label := range msg.Labels {
			scheme, ok := validSchemes[label.SchemeID]
			if !ok {
				return &engagement.InvariantViolation{
					Reason:    "label scheme id " + label.SchemeID + " is not valid for collection " + datasetConfig.PlatformCollection,
					MessageID: msg.MessageID,
					Dataset:   msg.Dataset,
				}
			}
			if label.CodeID == labeling.CodeIDManuallyUncoded {
				continue
			}
			if _, err := scheme.CodeWithID(label.CodeID); err != nil {
				return &engagement.InvariantViolation{
					Reason:    "label carries an unrecognized code id: " + err.Error(),
					MessageID: msg.MessageID,
					Dataset:   msg.Dataset,
				}
			}
		}
		platformMsg.Labels = msg.Labels
	} else {
		now := s.nowFunc()()
		for _, schemeConfig := range datasetConfig.SchemeConfigs {
			if label, ok := labeling.ApplyAutoCoder(schemeConfig.AutoCoder, msg.Text, schemeConfig.Scheme, now); ok {
				platformMsg.Labels = append(platformMsg.Labels, label)
			}
		}
	}

	s.debugf("adding message %s to platform collection %s", msg.MessageID, datasetConfig.PlatformCollection)
	if s.DryRun {
		stats.Add(EventDryRunWrite)
	} else if err := s.Platform.AddMessage(ctx, datasetConfig.PlatformCollection, platformMsg); err != nil {
		return err
	}
	stats.Add(EventAddToPlatform)
	return nil
}

func (s *StoreToPlatform) reconciler() *reconciler {
	return &reconciler{
		store:  s.Store,
		config: s.Config,
		log:    s.Log,
		dryRun: s.DryRun,
		now:    s.nowFunc(),
	}
}

func (s *StoreToPlatform) nowFunc() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

func (s *StoreToPlatform) infof(format string, args ...any) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}

func (s *StoreToPlatform) debugf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Debugf(format, args...)
	}
}
