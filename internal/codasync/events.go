package codasync

import "github.com/engagekit/engagesync/internal/engagement"

// Sync event categories reported after every pass.
const (
	EventReadMessage       = "read_message"
	EventSetCodaID         = "set_coda_id"
	EventAddToPlatform     = "add_to_platform"
	EventLabelsMatch       = "labels_match"
	EventUpdateLabels      = "update_labels"
	EventDatasetCorrection = "dataset_correction"
	EventSkipped           = "skipped"
	EventDryRunWrite       = "dry_run_write_suppressed"
)

func newStats() *engagement.SyncStats {
	return engagement.NewSyncStats(
		EventReadMessage,
		EventSetCodaID,
		EventAddToPlatform,
		EventLabelsMatch,
		EventUpdateLabels,
		EventDatasetCorrection,
		EventSkipped,
		EventDryRunWrite,
	)
}
