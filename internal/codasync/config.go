// Package codasync keeps message labels consistent between the engagement
// store and the human-labeling platform, in both directions.
package codasync

import (
	"fmt"

	"github.com/engagekit/engagesync/internal/labeling"
)

// SchemeConfig pairs a code scheme with an optional auto-coder that seeds
// labels for messages the platform has never seen.
type SchemeConfig struct {
	Scheme    labeling.CodeScheme
	AutoCoder labeling.AutoCoder
}

// DatasetConfig maps one engagement store dataset onto one labeling-platform
// collection. CorrectionValue is the correction-code string value that
// routes messages into this dataset; it defaults to the dataset name.
type DatasetConfig struct {
	StoreDataset       string
	PlatformCollection string
	CorrectionValue    string
	SchemeConfigs      []SchemeConfig
}

func (c DatasetConfig) correctionValue() string {
	if c.CorrectionValue != "" {
		return c.CorrectionValue
	}
	return c.StoreDataset
}

func (c DatasetConfig) schemes() []labeling.CodeScheme {
	schemes := make([]labeling.CodeScheme, len(c.SchemeConfigs))
	for i, schemeConfig := range c.SchemeConfigs {
		schemes[i] = schemeConfig.Scheme
	}
	return schemes
}

// SyncConfig configures both reconciliation passes.
//
// CorrectionScheme is the code scheme labelers use to say a message belongs
// to a different dataset; its codes' string values name target datasets.
// DefaultCorrectionDataset, when set, receives messages whose correction
// code matches no configured dataset.
type SyncConfig struct {
	DatasetConfigs           []DatasetConfig
	CorrectionScheme         labeling.CodeScheme
	DefaultCorrectionDataset string
}

func (c SyncConfig) Validate() error {
	if len(c.DatasetConfigs) == 0 {
		return fmt.Errorf("at least one dataset configuration is required")
	}
	if c.CorrectionScheme.SchemeID == "" {
		return fmt.Errorf("a dataset-correction code scheme is required")
	}
	seen := make(map[string]bool, len(c.DatasetConfigs))
	for _, datasetConfig := range c.DatasetConfigs {
		if datasetConfig.StoreDataset == "" || datasetConfig.PlatformCollection == "" {
			return fmt.Errorf("dataset configurations need both a store dataset and a platform collection")
		}
		if seen[datasetConfig.StoreDataset] {
			return fmt.Errorf("store dataset %q is configured twice", datasetConfig.StoreDataset)
		}
		seen[datasetConfig.StoreDataset] = true
	}
	return nil
}

func (c SyncConfig) datasetConfigFor(storeDataset string) (DatasetConfig, bool) {
	for _, datasetConfig := range c.DatasetConfigs {
		if datasetConfig.StoreDataset == storeDataset {
			return datasetConfig, true
		}
	}
	return DatasetConfig{}, false
}

// correctionTarget resolves a correction code's string value to the dataset
// messages carrying it should move to.
func (c SyncConfig) correctionTarget(codeStringValue string) (string, error) {
	for _, datasetConfig := range c.DatasetConfigs {
		if datasetConfig.correctionValue() == codeStringValue {
			return datasetConfig.StoreDataset, nil
		}
	}
	if c.DefaultCorrectionDataset != "" {
		return c.DefaultCorrectionDataset, nil
	}
	return "", fmt.Errorf("no dataset configuration matches correction code value %q and no default dataset is set", codeStringValue)
}
