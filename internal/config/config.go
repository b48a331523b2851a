package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds process-level configuration, bound from flags and the
// PUNCHCARD_ environment prefix by the CLI.
type Settings struct {
	Workspace string
	Listen    string

	// Timezone decides which day-of-month column a finalized duration lands
	// in. The ledger layout is one column per day of the accounting month.
	Timezone string

	Ledger struct {
		BaseURL             string
		TokenURL            string
		ServiceAccountEmail string
		PrivateKeyPath      string
	}

	Throttle struct {
		MinInterval time.Duration
	}

	Sync struct {
		BatchSize     int
		DrainInterval time.Duration
		RetryAttempts int
		RetryBaseWait time.Duration
		RetryFactor   int
	}

	Cache struct {
		CommunityTTL time.Duration
		RowTTL       time.Duration
		HandleTTL    time.Duration
		SweepEvery   time.Duration
	}

	Store struct {
		// Retention mirrors the durable store's document expiry: cards are
		// purged this long after creation regardless of state.
		Retention  time.Duration
		PurgeEvery time.Duration
	}
}

// Default returns settings matching the production deployment.
func Default() *Settings {
	s := &Settings{
		Workspace: ".",
		Listen:    ":8080",
		Timezone:  "America/Sao_Paulo",
	}
	s.Ledger.BaseURL = "https://sheets.googleapis.com"
	s.Ledger.TokenURL = "https://oauth2.googleapis.com/token"
	s.Throttle.MinInterval = 10 * time.Second
	s.Sync.BatchSize = 10
	s.Sync.DrainInterval = time.Second
	s.Sync.RetryAttempts = 3
	s.Sync.RetryBaseWait = 2 * time.Second
	s.Sync.RetryFactor = 2
	s.Cache.CommunityTTL = time.Hour
	s.Cache.RowTTL = time.Hour
	s.Cache.HandleTTL = 30 * time.Minute
	s.Cache.SweepEvery = 15 * time.Minute
	s.Store.Retention = 4 * 24 * time.Hour
	s.Store.PurgeEvery = time.Hour
	return s
}

// Validate ensures settings are usable before wiring the app.
func (s *Settings) Validate() error {
	if s.Throttle.MinInterval <= 0 {
		return fmt.Errorf("throttle.min-interval must be positive")
	}
	if s.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch-size must be positive")
	}
	if s.Sync.RetryAttempts < 1 {
		return fmt.Errorf("sync.retry-attempts must be at least 1")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return nil
}

// Location resolves the accounting timezone. Validate has already checked it.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Community models one community's ledger binding, stored in the database and
// imported from YAML.
type Community struct {
	CommunityID     string `yaml:"community_id" json:"community_id"`
	Name            string `yaml:"name" json:"name,omitempty"`
	SpreadsheetID   string `yaml:"spreadsheet_id" json:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name" json:"sheet_name"`
	PermittedRole   string `yaml:"permitted_role" json:"permitted_role,omitempty"`
	ResponsibleRole string `yaml:"responsible_role" json:"responsible_role,omitempty"`
	LogChannelID    string `yaml:"log_channel_id" json:"log_channel_id,omitempty"`
}

// FromYAML parses and validates a community config document.
func FromYAML(data []byte) (*Community, error) {
	var c Community
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse community config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate ensures the community binding is complete enough to sync against.
func (c *Community) Validate() error {
	if c.CommunityID == "" {
		return fmt.Errorf("community_id is required")
	}
	if c.SpreadsheetID == "" {
		return fmt.Errorf("spreadsheet_id is required")
	}
	if c.SheetName == "" {
		return fmt.Errorf("sheet_name is required")
	}
	return nil
}
