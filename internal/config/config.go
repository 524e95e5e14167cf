package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

// Source types understood by the adapter registry.
const (
	TypeEventbrite = "eventbrite"
	TypeMeetup     = "meetup"
	TypeRSS        = "rss"
	TypeICS        = "ics"
	TypeSheet      = "sheet"
	TypePage       = "page"
)

// Source kinds used by `import --source-type`.
const (
	KindAPI  = "apis"
	KindFeed = "feeds"
)

// DatabaseConfig selects the persisted store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "pgx" for PostgreSQL.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a file path for sqlite or a connection URL for pgx.
	DSN string `yaml:"dsn" json:"dsn"`
}

// DedupConfig tunes the duplicate heuristic.
type DedupConfig struct {
	// Window is the half-width of the start time window.
	Window time.Duration `yaml:"window" json:"window"`
}

// ProvenanceConfig selects where source-row links are kept for sources that
// do not carry their own (spreadsheets write back into the sheet).
type ProvenanceConfig struct {
	// Backend is "sql" (same database as events) or "file" (JSON index).
	Backend string `yaml:"backend" json:"backend"`
	// Path is the JSON index location for the file backend.
	Path string `yaml:"path" json:"path"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the JSON API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SourceConfig describes one external event source.
type SourceConfig struct {
	// Name is the identifier used on the command line and in provenance.
	Name string `yaml:"name" json:"name"`
	// Type selects the adapter (eventbrite, meetup, rss, ics, sheet, page).
	Type string `yaml:"type" json:"type"`
	// URL is the API base URL, feed URL, calendar URL or page URL.
	URL string `yaml:"url" json:"url"`

	// TokenEnv names the environment variable holding the API key or token.
	TokenEnv string `yaml:"token_env,omitempty" json:"token_env,omitempty"`
	// Query holds extra query parameters for API sources (city, region, organization...).
	Query    map[string]string `yaml:"query,omitempty" json:"query,omitempty"`
	PageSize int               `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	MaxPages int               `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`

	// Categories maps raw source tags to taxonomy names.
	Categories map[string]string `yaml:"categories,omitempty" json:"categories,omitempty"`
	// DefaultTags is used when a source row carries no tags of its own.
	DefaultTags []string `yaml:"default_tags,omitempty" json:"default_tags,omitempty"`
	// Location is where this source's events take place.
	Location *model.Location `yaml:"location,omitempty" json:"location,omitempty"`

	// RSS: DateSource is "pubdate" or "description".
	DateSource string `yaml:"date_source,omitempty" json:"date_source,omitempty"`
	// RSS: DateLayout parses pubDate when it is not RFC1123.
	DateLayout string `yaml:"date_layout,omitempty" json:"date_layout,omitempty"`
	// RSS: RequireText keeps only items whose description contains it.
	RequireText string `yaml:"require_text,omitempty" json:"require_text,omitempty"`

	// ICS: HorizonDays bounds recurrence expansion.
	HorizonDays int `yaml:"horizon_days,omitempty" json:"horizon_days,omitempty"`

	// Sheet: spreadsheet coordinates and service account credentials.
	SpreadsheetID   string `yaml:"spreadsheet_id,omitempty" json:"spreadsheet_id,omitempty"`
	Worksheet       string `yaml:"worksheet,omitempty" json:"worksheet,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`

	// Page: WaitSelector is awaited before JSON-LD extraction.
	WaitSelector string `yaml:"wait_selector,omitempty" json:"wait_selector,omitempty"`

	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff    time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	UserAgent  string        `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// Kind reports whether the source is an API or a feed.
func (s SourceConfig) Kind() string {
	switch s.Type {
	case TypeEventbrite, TypeMeetup:
		return KindAPI
	default:
		return KindFeed
	}
}

// Token returns the secret named by TokenEnv, or "".
func (s SourceConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.TokenEnv))
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the JSON API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone source timestamps are converted to before
	// being split into date and time columns.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is debug, info or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Schedule is a cron expression for `serve` import runs.
	Schedule string `yaml:"schedule" json:"schedule"`

	// CacheDir holds conditional-GET caches for feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Dedup      DedupConfig      `yaml:"dedup" json:"dedup"`
	Provenance ProvenanceConfig `yaml:"provenance" json:"provenance"`

	// Taxonomy is the fixed list of category base names.
	Taxonomy []string `yaml:"taxonomy" json:"taxonomy"`

	// DefaultLocation applies to sources without their own location.
	DefaultLocation model.Location `yaml:"default_location" json:"default_location"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Taxonomy names.
const (
	CategoryArt    = "arts & culture"
	CategoryClass  = "classes & workshop"
	CategoryConf   = "conference"
	CategoryFamily = "family"
	CategorySport  = "sport"
	CategoryMusic  = "music"
	CategoryMeetup = "meetup"
	CategoryFood   = "food & wine"
)

// DefaultTaxonomy returns the built-in category list, "other" included.
func DefaultTaxonomy() []string {
	return []string{
		CategoryArt, CategoryClass, CategoryConf, CategoryFamily,
		CategorySport, CategoryMusic, CategoryMeetup, CategoryFood,
		model.OtherCategory,
	}
}

// EventbriteCategories maps Eventbrite category short names to the taxonomy.
func EventbriteCategories() map[string]string {
	return map[string]string{
		"conferences":   CategoryConf,
		"conventions":   CategoryConf,
		"entertainment": CategoryArt,
		"fundraisers":   CategoryMeetup,
		"meetings":      CategoryMeetup,
		"other":         CategoryMeetup,
		"performances":  CategoryArt,
		"reunions":      CategoryMeetup,
		"sales":         CategoryFamily,
		"seminars":      CategoryClass,
		"social":        CategoryMeetup,
		"sports":        CategorySport,
		"tradeshows":    CategoryConf,
		"travel":        CategoryFamily,
		"religion":      CategoryFamily,
		"fairs":         CategoryFamily,
		"food":          CategoryFood,
		"food & drink":  CategoryFood,
		"music":         CategoryMusic,
		"recreation":    CategoryFamily,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:     "127.0.0.1:8080",
		Timezone:   "America/Los_Angeles",
		LogLevel:   "info",
		Schedule:   "0 */6 * * *",
		CacheDir:   "/var/lib/cfevents/cache",
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "/var/lib/cfevents/events.db"},
		Dedup:      DedupConfig{Window: 30 * time.Minute},
		Provenance: ProvenanceConfig{Backend: "sql", Path: "/var/lib/cfevents/provenance.json"},
		Taxonomy:   DefaultTaxonomy(),
		DefaultLocation: model.Location{
			City:          "Palo Alto",
			StateProvince: "CA",
			Country:       "United States",
			ZipCode:       "94301",
			Timezone:      "US/Pacific",
		},
		Sources: []SourceConfig{
			{
				Name:       "ebrite",
				Type:       TypeEventbrite,
				URL:        "https://www.eventbriteapi.com/v3",
				TokenEnv:   "EVENTBRITE_TOKEN",
				Query:      map[string]string{"location.address": "Palo Alto, CA"},
				PageSize:   100,
				Categories: EventbriteCategories(),
			},
			{
				Name:        "meetup",
				Type:        TypeMeetup,
				URL:         "https://api.meetup.com/2/open_events.json",
				TokenEnv:    "MEETUP_KEY",
				Query:       map[string]string{"city": "Palo Alto", "state": "CA", "country": "us", "status": "upcoming"},
				PageSize:    100,
				DefaultTags: []string{CategoryMeetup},
			},
			{
				Name:        "stanford-general",
				Type:        TypeRSS,
				URL:         "http://events.stanford.edu/xml/byCategory/0/rss.xml",
				DateSource:  "description",
				DefaultTags: []string{CategoryMeetup},
			},
			{
				Name:        "stanford-sport",
				Type:        TypeRSS,
				URL:         "http://www.gostanford.com/rss.dbml?db_oem_id=30600&media=schedules",
				DateSource:  "pubdate",
				DateLayout:  "01/02/2006 03:04 PM",
				RequireText: "Stanford, CA",
				DefaultTags: []string{CategorySport},
			},
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Los_Angeles"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Schedule == "" {
		c.Schedule = "0 */6 * * *"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/cfevents/cache"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Dedup.Window <= 0 {
		c.Dedup.Window = 30 * time.Minute
	}
	switch c.Provenance.Backend {
	case "sql", "file":
		// ok
	default:
		c.Provenance.Backend = "sql"
	}
	if len(c.Taxonomy) == 0 {
		c.Taxonomy = DefaultTaxonomy()
	}
	hasOther := false
	for _, t := range c.Taxonomy {
		if strings.EqualFold(t, model.OtherCategory) {
			hasOther = true
		}
	}
	if !hasOther {
		c.Taxonomy = append(c.Taxonomy, model.OtherCategory)
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Timeout <= 0 {
			s.Timeout = 15 * time.Second
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = 3
		}
		if s.Backoff <= 0 {
			s.Backoff = 500 * time.Millisecond
		}
		if s.Worksheet == "" && s.Type == TypeSheet {
			s.Worksheet = "Events"
		}
		if s.HorizonDays <= 0 && s.Type == TypeICS {
			s.HorizonDays = 90
		}
	}
}

// Validate checks the parts of the configuration that would otherwise fail
// halfway through a run.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return apperrors.NewConfigError("database", "dsn is empty", nil)
	}
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return apperrors.NewConfigError("database", "unsupported driver: "+c.Database.Driver, nil)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return apperrors.NewConfigError("timezone", "unknown timezone: "+c.Timezone, err)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return apperrors.NewConfigError("sources", "source with empty name", nil)
		}
		if seen[s.Name] {
			return apperrors.NewConfigError("sources", "duplicate source name: "+s.Name, nil)
		}
		seen[s.Name] = true
		switch s.Type {
		case TypeEventbrite, TypeMeetup, TypeRSS, TypeICS, TypePage:
			if s.URL == "" {
				return apperrors.NewConfigError("sources", "source "+s.Name+" has no url", nil)
			}
		case TypeSheet:
			if s.SpreadsheetID == "" {
				return apperrors.NewConfigError("sources", "source "+s.Name+" has no spreadsheet_id", nil)
			}
		default:
			return apperrors.NewConfigError("sources", "source "+s.Name+" has unknown type: "+s.Type, nil)
		}
	}
	return nil
}

// Source looks up a source by name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Location returns the configured display/import timezone, or time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LoadEnv loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.NewConfigError("file", "invalid YAML in "+path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically via a
// temp file + rename, with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".cfevents-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
