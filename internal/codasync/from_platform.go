package codasync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/labeling"
)

// PlatformToStore pulls every message from each configured platform
// collection and reconciles its labels back into the store. Each platform
// message is applied in its own store transaction so a crash mid-run leaves
// every message either fully reconciled or untouched.
type PlatformToStore struct {
	Store    engagement.MessageStore
	Platform labeling.PlatformClient
	Config   SyncConfig
	Log      *zap.SugaredLogger
	Metrics  *engagement.Metrics
	DryRun   bool
	Now      func() time.Time
}

func (s *PlatformToStore) Sync(ctx context.Context) (*engagement.SyncStats, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	total := newStats()
	for _, datasetConfig := range s.Config.DatasetConfigs {
		s.infof("syncing platform collection %s to store dataset %s",
			datasetConfig.PlatformCollection, datasetConfig.StoreDataset)
		stats, err := s.syncCollection(ctx, datasetConfig)
		if stats != nil {
			total.Merge(stats)
		}
		if err != nil {
			return total, err
		}
	}
	total.LogSummary(s.Log, "platform_to_store")
	return total, nil
}

func (s *PlatformToStore) syncCollection(ctx context.Context, datasetConfig DatasetConfig) (*engagement.SyncStats, error) {
	stats := newStats()
	if s.Metrics != nil {
		stats.Observer = s.Metrics.ObserverFor(datasetConfig.StoreDataset)
	}

	platformMessages, err := s.Platform.AllMessages(ctx, datasetConfig.PlatformCollection)
	if err != nil {
		return stats, err
	}
	s.infof("collection %s has %d platform messages", datasetConfig.PlatformCollection, len(platformMessages))

	for _, platformMsg := range platformMessages {
		if err := s.syncPlatformMessage(ctx, datasetConfig, platformMsg, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// syncPlatformMessage reconciles one platform message against every store
// message that shares its coda id and still lives in this dataset. Several
// store messages can share a coda id when different participants sent the
// same text.
func (s *PlatformToStore) syncPlatformMessage(ctx context.Context, datasetConfig DatasetConfig,
	platformMsg labeling.PlatformMessage, stats *engagement.SyncStats) error {

	return s.Store.Transaction(ctx, func(txn engagement.Txn) error {
		query := engagement.NewQuery().
			Where(engagement.FieldDataset, engagement.OpEquals, datasetConfig.StoreDataset).
			Where(engagement.FieldCodaID, engagement.OpEquals, platformMsg.MessageID)
		messages, err := s.Store.GetMessages(ctx, query, txn)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			s.debugf("platform message %s has no counterpart in dataset %s",
				platformMsg.MessageID, datasetConfig.StoreDataset)
			stats.Add(EventSkipped)
			return nil
		}

		rec := s.reconciler()
		for _, msg := range messages {
			stats.Add(EventReadMessage)
			if err := rec.reconcile(ctx, msg, platformMsg, datasetConfig, txn, stats); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PlatformToStore) reconciler() *reconciler {
	return &reconciler{
		store:  s.Store,
		config: s.Config,
		log:    s.Log,
		dryRun: s.DryRun,
		now:    s.nowFunc(),
	}
}

func (s *PlatformToStore) nowFunc() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

func (s *PlatformToStore) infof(format string, args ...any) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}

func (s *PlatformToStore) debugf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Debugf(format, args...)
	}
}
