package engagement

import (
	"context"
)

type EnsureResult string

const (
	EnsureCreated        EnsureResult = "created"
	EnsureAlreadyPresent EnsureResult = "already_present"
)

// EnsureMessage writes msg to the store unless a message with the same
// origin id already exists. This is the single place ingestion idempotency
// is enforced; connectors call it instead of implementing their own dedup.
//
// Finding more than one existing message for the origin id indicates store
// corruption and returns an InvariantViolation. When dryRun is set the
// existence check still runs but nothing is written.
func EnsureMessage(ctx context.Context, store MessageStore, msg Message, provenance Provenance, dryRun bool) (EnsureResult, error) {
	if msg.Origin.IsZero() {
		return "", ErrInvalidInput
	}

	result := EnsureAlreadyPresent
	err := store.Transaction(ctx, func(txn Txn) error {
		existing, err := store.GetMessages(ctx,
			NewQuery().Where(FieldOriginID, OpEquals, msg.Origin.Key()), txn)
		if err != nil {
			return err
		}
		if len(existing) > 1 {
			return &InvariantViolation{
				Reason:   "multiple stored messages share one origin id",
				OriginID: msg.Origin.Key(),
				Dataset:  msg.Dataset,
			}
		}
		if len(existing) == 1 {
			return nil
		}
		result = EnsureCreated
		if dryRun {
			return nil
		}
		_, err = store.SetMessage(ctx, msg, provenance, txn)
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
