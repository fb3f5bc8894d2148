package contactsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/fetcher"
	"github.com/engagekit/engagesync/internal/labeling"
)

const (
	EventReadParticipant = "read_participant"
	EventUpdatedContact  = "updated_contact"
	EventClearedField    = "cleared_field"
	EventCreatedField    = "created_field"
	EventDryRunWrite     = "dry_run_write"
)

// Syncer advertises engagement responses to the messaging platform's
// contact records, one contact field per configured dataset group.
type Syncer struct {
	Fetcher   *fetcher.Fetcher
	Messaging MessagingClient
	Resolver  IdentityResolver
	Config    SyncConfig
	Log       *zap.SugaredLogger
	Metrics   *engagement.Metrics
	DryRun    bool
}

func (s *Syncer) Sync(ctx context.Context) (*engagement.SyncStats, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	stats := engagement.NewSyncStats(
		EventReadParticipant,
		EventCreatedField,
		EventUpdatedContact,
		EventClearedField,
		EventDryRunWrite,
	)
	if s.Metrics != nil {
		stats.Observer = s.Metrics.ObserverFor("contacts")
	}

	if err := s.ensureContactFields(ctx, stats); err != nil {
		return stats, err
	}

	messagesByDataset, err := s.Fetcher.MessagesInDatasets(ctx, s.Config.allDatasets())
	if err != nil {
		return stats, err
	}

	participants := participantsIn(messagesByDataset)
	s.infof("syncing contact fields for %d participants", len(participants))

	for _, participantUUID := range participants {
		stats.Add(EventReadParticipant)
		fields := AggregateFields(s.Config, participantUUID, messagesByDataset)
		if !s.Config.AllowClearingFields {
			for key, value := range fields {
				if value == "" {
					delete(fields, key)
				}
			}
		} else {
			for key, value := range fields {
				if value == "" {
					s.debugf("clearing field %s for participant %s", key, participantUUID)
					stats.Add(EventClearedField)
				}
			}
		}
		if len(fields) == 0 {
			continue
		}

		contactURN, err := s.Resolver(ctx, participantUUID)
		if err != nil {
			return stats, fmt.Errorf("resolving participant %s: %w", participantUUID, err)
		}
		if s.DryRun {
			stats.Add(EventDryRunWrite)
			continue
		}
		if err := s.Messaging.UpdateContactFields(ctx, contactURN, fields); err != nil {
			return stats, err
		}
		stats.Add(EventUpdatedContact)
	}

	stats.LogSummary(s.Log, "contact_sync")
	return stats, nil
}

// ensureContactFields creates any configured contact field the messaging
// platform does not have yet.
func (s *Syncer) ensureContactFields(ctx context.Context, stats *engagement.SyncStats) error {
	existing, err := s.Messaging.ListFields(ctx)
	if err != nil {
		return err
	}
	existingSet := make(map[string]bool, len(existing))
	for _, key := range existing {
		existingSet[key] = true
	}
	for _, field := range s.Config.contactFields() {
		if existingSet[field.Key] {
			continue
		}
		s.infof("creating missing contact field %s", field.Key)
		if s.DryRun {
			stats.Add(EventDryRunWrite)
			continue
		}
		if err := s.Messaging.CreateField(ctx, field.Key, field.Label); err != nil {
			return err
		}
		stats.Add(EventCreatedField)
	}
	return nil
}

// AggregateFields computes the contact field values for one participant
// from the active messages of every configured dataset. Fields with no
// contributing messages map to the empty string; callers decide whether
// empty means clear or skip.
func AggregateFields(config SyncConfig, participantUUID string, messagesByDataset map[string][]engagement.Message) map[string]string {
	fields := make(map[string]string)

	for _, datasetConfig := range config.NormalDatasets {
		var texts []string
		for _, dataset := range datasetConfig.StoreDatasets {
			for _, msg := range messagesByDataset[dataset] {
				if msg.ParticipantUUID != participantUUID || strings.TrimSpace(msg.Text) == "" {
					continue
				}
				texts = append(texts, fmt.Sprintf("%s (%s)", msg.Text, dataset))
			}
		}
		switch {
		case len(texts) == 0:
			fields[datasetConfig.ContactField.Key] = ""
		case config.WriteMode == WriteModeShowPresence:
			fields[datasetConfig.ContactField.Key] = PresenceValue
		default:
			fields[datasetConfig.ContactField.Key] = strings.Join(texts, "; ")
		}
	}

	if config.ConsentWithdrawnDataset != nil {
		value := ""
		if consentWithdrawn(config, participantUUID, messagesByDataset) {
			value = "yes"
		}
		fields[config.ConsentWithdrawnDataset.ContactField.Key] = value
	}
	return fields
}

// consentWithdrawn reports whether any of the participant's messages in the
// consent dataset carries a checked STOP label under a consent scheme.
func consentWithdrawn(config SyncConfig, participantUUID string, messagesByDataset map[string][]engagement.Message) bool {
	for _, dataset := range config.ConsentWithdrawnDataset.StoreDatasets {
		for _, msg := range messagesByDataset[dataset] {
			if msg.ParticipantUUID != participantUUID {
				continue
			}
			for _, label := range engagement.LatestLabels(msg.Labels) {
				if !label.Checked {
					continue
				}
				if isStopLabel(config.ConsentCodeSchemes, label) {
					return true
				}
			}
		}
	}
	return false
}

func isStopLabel(schemes []labeling.CodeScheme, label engagement.Label) bool {
	for _, scheme := range schemes {
		if !scheme.MatchesSchemeID(label.SchemeID) {
			continue
		}
		code, err := scheme.CodeWithID(label.CodeID)
		if err != nil {
			continue
		}
		if code.ControlCode == labeling.ControlCodeStop {
			return true
		}
	}
	return false
}

// participantsIn lists the distinct participant uuids across every dataset,
// sorted for deterministic iteration.
func participantsIn(messagesByDataset map[string][]engagement.Message) []string {
	seen := make(map[string]bool)
	var participants []string
	for _, messages := range messagesByDataset {
		for _, msg := range messages {
			if !seen[msg.ParticipantUUID] {
				seen[msg.ParticipantUUID] = true
				participants = append(participants, msg.ParticipantUUID)
			}
		}
	}
	sort.Strings(participants)
	return participants
}

func (s *Syncer) infof(format string, args ...any) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}

func (s *Syncer) debugf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Debugf(format, args...)
	}
}
