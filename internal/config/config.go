// Package config loads the pipeline configuration file and builds the
// per-sync configurations from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/engagekit/engagesync/internal/codasync"
	"github.com/engagekit/engagesync/internal/contactsync"
	"github.com/engagekit/engagesync/internal/labeling"
)

type Config struct {
	LogLevel      string       `yaml:"log_level"`
	MetricsListen string       `yaml:"metrics_listen"`
	CacheDir      string       `yaml:"cache_dir"`
	Store         StoreConfig  `yaml:"store"`
	Schedule      Schedule     `yaml:"schedule"`
	Labeling      Labeling     `yaml:"labeling"`
	Messaging     Messaging    `yaml:"messaging"`
	CodaSync      *CodaSync    `yaml:"coda_sync"`
	ContactSync   *ContactSync `yaml:"contact_sync"`

	// baseDir anchors relative paths in the file to the file's directory.
	baseDir string
}

type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`
	// StateFile persists the memory backend between runs.
	StateFile string `yaml:"state_file"`
	// PostgresDSN may reference environment variables with ${VAR}.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type Schedule struct {
	Cron string `yaml:"cron"`
}

// Labeling configures the HTTP client for the labeling platform. Leave
// BaseURL empty to run against an in-memory platform (tests, dry runs).
type Labeling struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

// Messaging configures the HTTP client for the messaging platform. Leave
// BaseURL empty to run against an in-memory platform (tests, dry runs).
type Messaging struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

type CodaSync struct {
	CorrectionSchemeFile     string            `yaml:"correction_scheme_file"`
	DefaultCorrectionDataset string            `yaml:"default_correction_dataset"`
	Datasets                 []CodaSyncDataset `yaml:"datasets"`
}

type CodaSyncDataset struct {
	StoreDataset       string         `yaml:"store_dataset"`
	PlatformCollection string         `yaml:"platform_collection"`
	CorrectionValue    string         `yaml:"correction_value"`
	Schemes            []SchemeConfig `yaml:"schemes"`
}

type SchemeConfig struct {
	File      string     `yaml:"file"`
	AutoCoder *AutoCoder `yaml:"auto_coder"`
}

// AutoCoder declares a keyword matcher: the first rule whose keyword
// appears as a word in the message text wins.
type AutoCoder struct {
	Rules []AutoCoderRule `yaml:"rules"`
}

type AutoCoderRule struct {
	StringValue string   `yaml:"string_value"`
	Keywords    []string `yaml:"keywords"`
}

type ContactSync struct {
	WriteMode           string               `yaml:"write_mode"`
	AllowClearingFields bool                 `yaml:"allow_clearing_fields"`
	Datasets            []ContactSyncDataset `yaml:"datasets"`
	ConsentWithdrawn    *ConsentWithdrawn    `yaml:"consent_withdrawn"`
}

type ContactSyncDataset struct {
	StoreDatasets []string                 `yaml:"store_datasets"`
	ContactField  contactsync.ContactField `yaml:"contact_field"`
}

type ConsentWithdrawn struct {
	StoreDatasets      []string                 `yaml:"store_datasets"`
	ContactField       contactsync.ContactField `yaml:"contact_field"`
	ConsentSchemeFiles []string                 `yaml:"consent_scheme_files"`
}

// Load reads and validates a pipeline configuration file. ${VAR}
// references anywhere in the file are expanded from the environment
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.baseDir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "memory":
		c.Store.Backend = "memory"
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.backend is postgres but store.postgres_dsn is empty")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.CodaSync == nil && c.ContactSync == nil {
		return fmt.Errorf("at least one of coda_sync and contact_sync must be configured")
	}
	if c.CodaSync != nil {
		if c.CodaSync.CorrectionSchemeFile == "" {
			return fmt.Errorf("coda_sync.correction_scheme_file is required")
		}
		if len(c.CodaSync.Datasets) == 0 {
			return fmt.Errorf("coda_sync.datasets is empty")
		}
	}
	return nil
}

// Path resolves a config-relative path.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// BuildCodaSync loads the referenced code schemes and assembles the
// labeling sync configuration.
func (c *Config) BuildCodaSync() (codasync.SyncConfig, error) {
	if c.CodaSync == nil {
		return codasync.SyncConfig{}, fmt.Errorf("coda_sync is not configured")
	}
	correctionScheme, err := c.loadScheme(c.CodaSync.CorrectionSchemeFile)
	if err != nil {
		return codasync.SyncConfig{}, err
	}
	syncConfig := codasync.SyncConfig{
		CorrectionScheme:         correctionScheme,
		DefaultCorrectionDataset: c.CodaSync.DefaultCorrectionDataset,
	}
	for _, dataset := range c.CodaSync.Datasets {
		datasetConfig := codasync.DatasetConfig{
			StoreDataset:       dataset.StoreDataset,
			PlatformCollection: dataset.PlatformCollection,
			CorrectionValue:    dataset.CorrectionValue,
		}
		for _, schemeConfig := range dataset.Schemes {
			scheme, err := c.loadScheme(schemeConfig.File)
			if err != nil {
				return codasync.SyncConfig{}, err
			}
			datasetConfig.SchemeConfigs = append(datasetConfig.SchemeConfigs, codasync.SchemeConfig{
				Scheme:    scheme,
				AutoCoder: schemeConfig.AutoCoder.build(),
			})
		}
		syncConfig.DatasetConfigs = append(syncConfig.DatasetConfigs, datasetConfig)
	}
	if err := syncConfig.Validate(); err != nil {
		return codasync.SyncConfig{}, err
	}
	return syncConfig, nil
}

// BuildContactSync assembles the contact field sync configuration.
func (c *Config) BuildContactSync() (contactsync.SyncConfig, error) {
	if c.ContactSync == nil {
		return contactsync.SyncConfig{}, fmt.Errorf("contact_sync is not configured")
	}
	syncConfig := contactsync.SyncConfig{
		WriteMode:           contactsync.WriteMode(c.ContactSync.WriteMode),
		AllowClearingFields: c.ContactSync.AllowClearingFields,
	}
	for _, dataset := range c.ContactSync.Datasets {
		syncConfig.NormalDatasets = append(syncConfig.NormalDatasets, contactsync.DatasetConfig{
			StoreDatasets: dataset.StoreDatasets,
			ContactField:  dataset.ContactField,
		})
	}
	if consent := c.ContactSync.ConsentWithdrawn; consent != nil {
		syncConfig.ConsentWithdrawnDataset = &contactsync.DatasetConfig{
			StoreDatasets: consent.StoreDatasets,
			ContactField:  consent.ContactField,
		}
		for _, file := range consent.ConsentSchemeFiles {
			scheme, err := c.loadScheme(file)
			if err != nil {
				return contactsync.SyncConfig{}, err
			}
			syncConfig.ConsentCodeSchemes = append(syncConfig.ConsentCodeSchemes, scheme)
		}
	}
	if err := syncConfig.Validate(); err != nil {
		return contactsync.SyncConfig{}, err
	}
	return syncConfig, nil
}

// loadScheme reads one code scheme from a JSON file.
func (c *Config) loadScheme(file string) (labeling.CodeScheme, error) {
	data, err := os.ReadFile(c.Path(file))
	if err != nil {
		return labeling.CodeScheme{}, fmt.Errorf("reading code scheme: %w", err)
	}
	var scheme labeling.CodeScheme
	if err := json.Unmarshal(data, &scheme); err != nil {
		return labeling.CodeScheme{}, fmt.Errorf("parsing code scheme %s: %w", file, err)
	}
	if scheme.SchemeID == "" {
		return labeling.CodeScheme{}, fmt.Errorf("code scheme %s has no schemeId", file)
	}
	return scheme, nil
}

// build compiles the declarative rules into a matcher. Keywords match as
// whole case-insensitive words.
func (a *AutoCoder) build() labeling.AutoCoder {
	if a == nil || len(a.Rules) == 0 {
		return nil
	}
	rules := a.Rules
	return func(text string) (string, bool) {
		words := strings.Fields(strings.ToLower(text))
		wordSet := make(map[string]bool, len(words))
		for _, word := range words {
			wordSet[strings.Trim(word, ".,!?;:\"'")] = true
		}
		for _, rule := range rules {
			for _, keyword := range rule.Keywords {
				if wordSet[strings.ToLower(keyword)] {
					return rule.StringValue, true
				}
			}
		}
		return "", false
	}
}
