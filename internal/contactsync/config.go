package contactsync

import (
	"fmt"

	"github.com/engagekit/engagesync/internal/labeling"
)

// WriteMode controls what gets written to a contact field when a
// participant has active messages in a dataset group.
type WriteMode string

const (
	// WriteModeShowPresence writes a fixed sentinel value marking that at
	// least one response exists, without exposing its content.
	WriteModeShowPresence WriteMode = "show_presence"
	// WriteModeConcatenateTexts writes every response text, annotated with
	// its source dataset.
	WriteModeConcatenateTexts WriteMode = "concatenate_texts"
)

// PresenceValue is written under WriteModeShowPresence. The leading '#'
// keeps it out of the way of real response texts.
const PresenceValue = "#ENGAGEMENT-DATABASE-HAS-RESPONSE"

// ContactField identifies a field on the messaging platform's contact
// records.
type ContactField struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// DatasetConfig maps a group of store datasets onto one contact field.
type DatasetConfig struct {
	StoreDatasets []string     `yaml:"store_datasets"`
	ContactField  ContactField `yaml:"contact_field"`
}

// SyncConfig configures a store-to-messaging contact field sync.
type SyncConfig struct {
	// NormalDatasets drive the per-field aggregation.
	NormalDatasets []DatasetConfig
	// ConsentWithdrawnDataset, when configured, is scanned for checked STOP
	// labels and surfaced through its contact field as "yes".
	ConsentWithdrawnDataset *DatasetConfig
	// ConsentCodeSchemes are the schemes whose STOP control code marks a
	// withdrawal.
	ConsentCodeSchemes []labeling.CodeScheme
	WriteMode          WriteMode
	// AllowClearingFields must be set for fields to be blanked when a
	// participant has no active messages. Leaving it unset makes a
	// mis-scoped run unable to wipe contact data.
	AllowClearingFields bool
}

func (c SyncConfig) Validate() error {
	switch c.WriteMode {
	case WriteModeShowPresence, WriteModeConcatenateTexts:
	default:
		return fmt.Errorf("unknown write mode %q", c.WriteMode)
	}
	if len(c.NormalDatasets) == 0 {
		return fmt.Errorf("no dataset configurations")
	}
	seenFields := make(map[string]bool)
	for _, datasetConfig := range c.NormalDatasets {
		if len(datasetConfig.StoreDatasets) == 0 {
			return fmt.Errorf("dataset configuration for contact field %q lists no store datasets",
				datasetConfig.ContactField.Key)
		}
		if datasetConfig.ContactField.Key == "" {
			return fmt.Errorf("dataset configuration has an empty contact field key")
		}
		if seenFields[datasetConfig.ContactField.Key] {
			return fmt.Errorf("contact field %q is configured twice", datasetConfig.ContactField.Key)
		}
		seenFields[datasetConfig.ContactField.Key] = true
	}
	if c.ConsentWithdrawnDataset != nil {
		if c.ConsentWithdrawnDataset.ContactField.Key == "" {
			return fmt.Errorf("consent withdrawn configuration has an empty contact field key")
		}
		if len(c.ConsentCodeSchemes) == 0 {
			return fmt.Errorf("consent withdrawn dataset configured without consent code schemes")
		}
	}
	return nil
}

// allDatasets returns every store dataset named by the config, consent
// dataset included, without duplicates.
func (c SyncConfig) allDatasets() []string {
	seen := make(map[string]bool)
	var datasets []string
	add := func(names []string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				datasets = append(datasets, name)
			}
		}
	}
	for _, datasetConfig := range c.NormalDatasets {
		add(datasetConfig.StoreDatasets)
	}
	if c.ConsentWithdrawnDataset != nil {
		add(c.ConsentWithdrawnDataset.StoreDatasets)
	}
	return datasets
}

// contactFields returns every configured field in declaration order.
func (c SyncConfig) contactFields() []ContactField {
	fields := make([]ContactField, 0, len(c.NormalDatasets)+1)
	for _, datasetConfig := range c.NormalDatasets {
		fields = append(fields, datasetConfig.ContactField)
	}
	if c.ConsentWithdrawnDataset != nil {
		fields = append(fields, c.ConsentWithdrawnDataset.ContactField)
	}
	return fields
}
