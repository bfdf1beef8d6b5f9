package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gohpc/pkg/model"
)

// ServerConfig holds configuration for the GoHPC API server.
type ServerConfig struct {
	Addr      string // Listen address (default ":8080")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBPath    string // SQLite database path (":memory:" for testing)

	// SessionTimeout is the heartbeat age after which a session is
	// considered dead and its leased jobs are reclaimed.
	SessionTimeout time.Duration
	// ReapInterval is how often the reaper scans for expired sessions.
	ReapInterval time.Duration

	// SitesPath points to the YAML file of per-site batch job allow-lists.
	// Empty means no sites are registered and batch job submission is
	// rejected.
	SitesPath string
}

// SitePolicy is the server-side allow-list for one site: what its scheduler
// accepts for batch job submission.
type SitePolicy struct {
	AllowedQueues   map[string]model.AllowedQueue `yaml:"allowed_queues"`
	AllowedProjects []string                      `yaml:"allowed_projects"`
	// OptionalBatchJobParams maps permitted extra submission parameters to
	// their default values.
	OptionalBatchJobParams map[string]string `yaml:"optional_batch_job_params"`
}

// LoadSitePolicies reads the per-site allow-lists, keyed by site id.
func LoadSitePolicies(path string) (map[string]SitePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site policies %s: %w", path, err)
	}
	var policies map[string]SitePolicy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parse site policies %s: %w", path, err)
	}
	return policies, nil
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		LogLevel:       "info",
		LogFormat:      "text",
		SessionTimeout: 5 * time.Minute,
		ReapInterval:   30 * time.Second,
	}
}

// SiteConfig describes one HPC site: where its data lives, which scheduler
// backend drives it, and what the site's scheduler accepts. Loaded from the
// site's settings.yml.
type SiteConfig struct {
	SiteID    string `yaml:"site_id"`
	ServerURL string `yaml:"server_url"`
	DataPath  string `yaml:"data_path"`

	// Scheduler selects the backend adapter: "lsf" or "slurm".
	Scheduler string `yaml:"scheduler"`

	AllowedQueues   map[string]model.AllowedQueue `yaml:"allowed_queues"`
	AllowedProjects []string                      `yaml:"allowed_projects"`
	// OptionalBatchJobParams maps permitted extra submission parameters to
	// their default values.
	OptionalBatchJobParams map[string]string `yaml:"optional_batch_job_params"`

	Processing ProcessingConfig `yaml:"processing"`
}

// ProcessingConfig tunes the site's processing worker pool.
type ProcessingConfig struct {
	NumWorkers        int               `yaml:"num_workers"`
	PrefetchDepth     int               `yaml:"prefetch_depth"`
	FilterTags        map[string]string `yaml:"filter_tags"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	UpdateInterval    time.Duration     `yaml:"update_interval"`
	UpdateBatchSize   int               `yaml:"update_batch_size"`
}

// LoadSiteConfig reads and validates a site settings file.
func LoadSiteConfig(path string) (*SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site config %s: %w", path, err)
	}

	var cfg SiteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse site config %s: %w", path, err)
	}

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site config %s: site_id is required", path)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("site config %s: server_url is required", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *SiteConfig) applyDefaults() {
	if c.Scheduler == "" {
		c.Scheduler = "slurm"
	}
	if c.Processing.NumWorkers == 0 {
		c.Processing.NumWorkers = 5
	}
	if c.Processing.PrefetchDepth == 0 {
		c.Processing.PrefetchDepth = 2 * c.Processing.NumWorkers
	}
	if c.Processing.HeartbeatInterval == 0 {
		c.Processing.HeartbeatInterval = 30 * time.Second
	}
	if c.Processing.UpdateInterval == 0 {
		c.Processing.UpdateInterval = 5 * time.Second
	}
	if c.Processing.UpdateBatchSize == 0 {
		c.Processing.UpdateBatchSize = 100
	}
}
