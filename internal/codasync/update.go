package codasync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/labeling"
)

// reconciler holds the shared state both sync directions need when updating
// a store message from a platform message.
type reconciler struct {
	store  engagement.MessageStore
	config SyncConfig
	log    *zap.SugaredLogger
	dryRun bool
	now    func() time.Time
}

// reconcile updates msg from the platform's view of it, inside the caller's
// transaction.
//
// If the label lists already match, nothing happens. If the platform's most
// recent checked label belongs to the correction scheme, the message is
// re-routed to the named dataset instead of copying labels; revisiting a
// dataset already present in previous_datasets is a fatal correction cycle.
// Otherwise the platform's labels overwrite the local ones.
func (r *reconciler) reconcile(ctx context.Context, msg engagement.Message, platformMsg labeling.PlatformMessage,
	datasetConfig DatasetConfig, txn engagement.Txn, stats *engagement.SyncStats) error {

	if err := r.imputeCodingError(&platformMsg, datasetConfig); err != nil {
		return err
	}

	if engagement.LabelsEqual(msg.Labels, platformMsg.Labels) {
		r.debugf("labels match for message %s", msg.MessageID)
		stats.Add(EventLabelsMatch)
		return nil
	}

	correctionCode, err := r.correctionCode(platformMsg)
	if err != nil {
		return err
	}
	if correctionCode != nil {
		return r.correctDataset(ctx, msg, platformMsg, datasetConfig, *correctionCode, txn, stats)
	}

	r.debugf("updating store message %s labels to match the platform", msg.MessageID)
	msg.Labels = platformMsg.Labels
	if r.dryRun {
		stats.Add(EventDryRunWrite)
	} else {
		provenance := engagement.Provenance{
			Name: "Platform -> Store Sync",
			Details: map[string]any{
				"platform_collection": datasetConfig.PlatformCollection,
				"platform_message_id": platformMsg.MessageID,
			},
		}
		if _, err := r.store.SetMessage(ctx, msg, provenance, txn); err != nil {
			return err
		}
	}
	stats.Add(EventUpdateLabels)
	return nil
}

func (r *reconciler) correctDataset(ctx context.Context, msg engagement.Message, platformMsg labeling.PlatformMessage,
	datasetConfig DatasetConfig, code labeling.Code, txn engagement.Txn, stats *engagement.SyncStats) error {

	target, err := r.config.correctionTarget(code.StringValue)
	if err != nil {
		return err
	}

	// A message revisiting a dataset suggests an infinite loop in the
	// correction labels, which would rewrite the same message at high
	// frequency forever. Stop the run and wait for a human to fix the
	// labels.
	if msg.HasPreviousDataset(target) {
		return &engagement.InvariantViolation{
			Reason:    "message is being corrected to a dataset already present in previous_datasets (correction cycle)",
			MessageID: msg.MessageID,
			OriginID:  msg.Origin.Key(),
			Dataset:   target,
		}
	}

	r.debugf("correcting message %s dataset from %s to %s", msg.MessageID, msg.Dataset, target)
	msg.Labels = []engagement.Label{}
	msg.PreviousDatasets = append(msg.PreviousDatasets, msg.Dataset)
	msg.Dataset = target

	if r.dryRun {
		stats.Add(EventDryRunWrite)
	} else {
		provenance := engagement.Provenance{
			Name: "Platform -> Store Sync (Dataset Correction)",
			Details: map[string]any{
				"platform_collection": datasetConfig.PlatformCollection,
				"platform_message_id": platformMsg.MessageID,
				"corrected_to":        target,
			},
		}
		if _, err := r.store.SetMessage(ctx, msg, provenance, txn); err != nil {
			return err
		}
	}
	stats.Add(EventDatasetCorrection)
	return nil
}

// correctionCode returns the checked correction-scheme code assigned to the
// platform message, if any. Codes whose control meaning is not-coded or
// coding-error cannot redirect a message and are ignored.
func (r *reconciler) correctionCode(platformMsg labeling.PlatformMessage) (*labeling.Code, error) {
	for _, label := range platformMsg.LatestLabels() {
		if !label.Checked || label.SchemeID != r.config.CorrectionScheme.SchemeID {
			continue
		}
		if label.CodeID == labeling.CodeIDManuallyUncoded {
			continue
		}
		code, err := r.config.CorrectionScheme.CodeWithID(label.CodeID)
		if err != nil {
			return nil, &engagement.InvariantViolation{
				Reason:    "correction label carries an unrecognized code id: " + err.Error(),
				MessageID: platformMsg.MessageID,
			}
		}
		if code.ControlCode == labeling.ControlCodeNotCoded || code.ControlCode == labeling.ControlCodeCodingError {
			r.warnf("code in correction scheme has control code %q; cannot redirect message %s",
				code.ControlCode, platformMsg.MessageID)
			return nil, nil
		}
		return &code, nil
	}
	return nil, nil
}

// imputeCodingError enforces that a wrong-scheme code in a normal scheme and
// a code in the correction scheme only ever appear together. When exactly
// one of the two is present, the latest labels of every configured scheme
// are cleared and a checked coding-error label is stacked per scheme, so
// the inconsistency comes back to human review instead of syncing silently.
func (r *reconciler) imputeCodingError(platformMsg *labeling.PlatformMessage, datasetConfig DatasetConfig) error {
	normalSchemes := datasetConfig.schemes()
	correctionScheme := r.config.CorrectionScheme

	wrongSchemeInNormal := false
	codeInCorrection := false
	for _, label := range platformMsg.LatestLabels() {
		if !label.Checked || label.CodeID == labeling.CodeIDManuallyUncoded {
			continue
		}
		if label.SchemeID == correctionScheme.SchemeID {
			codeInCorrection = true
			continue
		}
		code, err := labeling.CodeForLabel(label, normalSchemes)
		if err != nil {
			return &engagement.InvariantViolation{
				Reason:    "platform label does not resolve to a configured scheme: " + err.Error(),
				MessageID: platformMsg.MessageID,
			}
		}
		if code.ControlCode == labeling.ControlCodeWrongScheme {
			wrongSchemeInNormal = true
		}
	}

	if wrongSchemeInNormal == codeInCorrection {
		return nil
	}
	r.warnf("imputing coding error for message %s (wrong-scheme code present: %v, correction code present: %v)",
		platformMsg.MessageID, wrongSchemeInNormal, codeInCorrection)

	allSchemes := append(append([]labeling.CodeScheme{}, normalSchemes...), correctionScheme)
	now := r.now()

	// Clear the latest label of every scheme that has one, including
	// duplicated scheme ids ('-1', '-2'…), by stacking a manually-uncoded
	// label on top.
	cleared := make([]engagement.Label, 0)
	for _, label := range platformMsg.LatestLabels() {
		for _, scheme := range allSchemes {
			if scheme.MatchesSchemeID(label.SchemeID) {
				cleared = append(cleared, engagement.Label{
					SchemeID:    label.SchemeID,
					CodeID:      labeling.CodeIDManuallyUncoded,
					DateTimeUTC: now,
					Checked:     false,
				})
				break
			}
		}
	}
	platformMsg.Labels = append(cleared, platformMsg.Labels...)

	// Stack a checked coding-error label under every scheme.
	codingErrors := make([]engagement.Label, 0, len(allSchemes))
	for _, scheme := range allSchemes {
		code, err := scheme.CodeWithControl(labeling.ControlCodeCodingError)
		if err != nil {
			return &engagement.InvariantViolation{
				Reason:    "cannot impute coding error: " + err.Error(),
				MessageID: platformMsg.MessageID,
			}
		}
		codingErrors = append(codingErrors, labeling.MakeLabel(scheme, code, true, now))
	}
	platformMsg.Labels = append(codingErrors, platformMsg.Labels...)
	return nil
}

func (r *reconciler) debugf(format string, args ...any) {
	if r.log != nil {
		r.log.Debugf(format, args...)
	}
}

func (r *reconciler) warnf(format string, args ...any) {
	if r.log != nil {
		r.log.Warnf(format, args...)
	}
}
