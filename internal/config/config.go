package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"storesync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Central    CentralConfig    `yaml:"central"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Sync       SyncConfig       `yaml:"sync"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Health     HealthConfig     `yaml:"health"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// StoreConfig identifies this terminal among all stores.
type StoreConfig struct {
	ID string `yaml:"id"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// CentralConfig describes the HQ endpoint the dispatcher pushes to.
type CentralConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	HealthPath     string `yaml:"health_path"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds, per item
}

type MonitorConfig struct {
	ProbeInterval int `yaml:"probe_interval"` // seconds
	ProbeTimeout  int `yaml:"probe_timeout"`  // seconds
	ErrorStreak   int `yaml:"error_streak"`
}

type SyncConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	Parallelism   int           `yaml:"parallelism"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	ItemTimeout   int           `yaml:"item_timeout"` // seconds
	Backoff       BackoffConfig `yaml:"backoff"`
	EscalateAfter int           `yaml:"escalate_after"`
}

type BackoffConfig struct {
	Base        int `yaml:"base"`         // seconds
	Cap         int `yaml:"cap"`          // seconds
	CriticalCap int `yaml:"critical_cap"` // seconds
	CapExponent int `yaml:"cap_exponent"`
	JitterMs    int `yaml:"jitter_ms"`
}

// ResolutionConfig maps entity types to conflict strategies. Entity
// types without an entry always fall back to manual review.
type ResolutionConfig struct {
	Strategies map[string]string `yaml:"strategies"`
}

type HealthConfig struct {
	FreshnessWindow  int `yaml:"freshness_window"` // seconds
	PendingLowWater  int `yaml:"pending_low_water"`
	PendingHighWater int `yaml:"pending_high_water"`
	MaxDisconnected  int `yaml:"max_disconnected"` // seconds
	RecentErrors     int `yaml:"recent_errors"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен: в контейнере переменные приходят из окружения
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Store.ID == "" {
		return errors.New("store id is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Central.BaseURL == "" {
		return errors.New("central base_url is required")
	}
	return ValidateStrategies(c.Resolution.Strategies)
}

// ValidateStrategies rejects unknown strategy names at load time so a
// typo cannot silently route conflicts to the wrong branch.
func ValidateStrategies(strategies map[string]string) error {
	for entityType, strategy := range strategies {
		if !models.KnownStrategy(strategy) {
			return fmt.Errorf("unknown resolution strategy %q for entity type %q", strategy, entityType)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if !c.API.Auth.Enabled && c.API.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Central.HealthPath == "" {
		c.Central.HealthPath = "/healthz"
	}
	if c.Central.RequestTimeout == 0 {
		c.Central.RequestTimeout = models.DefaultItemTimeoutSec
	}

	if c.Monitor.ProbeInterval == 0 {
		c.Monitor.ProbeInterval = models.DefaultProbeIntervalSec
	}
	if c.Monitor.ProbeTimeout == 0 {
		c.Monitor.ProbeTimeout = models.DefaultProbeTimeoutSec
	}
	if c.Monitor.ErrorStreak == 0 {
		c.Monitor.ErrorStreak = models.DefaultErrorStreak
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.Parallelism == 0 {
		c.Sync.Parallelism = models.DefaultParallelism
	}
	if c.Sync.MaxInFlight == 0 {
		c.Sync.MaxInFlight = models.DefaultMaxInFlight
	}
	if c.Sync.ItemTimeout == 0 {
		c.Sync.ItemTimeout = models.DefaultItemTimeoutSec
	}
	if c.Sync.EscalateAfter == 0 {
		c.Sync.EscalateAfter = models.DefaultEscalateAfter
	}
	if c.Sync.Backoff.Base == 0 {
		c.Sync.Backoff.Base = models.DefaultBackoffBaseSec
	}
	if c.Sync.Backoff.Cap == 0 {
		c.Sync.Backoff.Cap = models.DefaultBackoffCapSec
	}
	if c.Sync.Backoff.CriticalCap == 0 {
		c.Sync.Backoff.CriticalCap = models.DefaultCriticalCapSec
	}
	if c.Sync.Backoff.CapExponent == 0 {
		c.Sync.Backoff.CapExponent = models.DefaultCapExponent
	}
	if c.Sync.Backoff.JitterMs == 0 {
		c.Sync.Backoff.JitterMs = models.DefaultJitterMs
	}

	if c.Health.FreshnessWindow == 0 {
		c.Health.FreshnessWindow = models.DefaultFreshnessWindowSec
	}
	if c.Health.PendingLowWater == 0 {
		c.Health.PendingLowWater = models.DefaultPendingLowWater
	}
	if c.Health.PendingHighWater == 0 {
		c.Health.PendingHighWater = models.DefaultPendingHighWater
	}
	if c.Health.MaxDisconnected == 0 {
		c.Health.MaxDisconnected = models.DefaultMaxDisconnectedSec
	}
	if c.Health.RecentErrors == 0 {
		c.Health.RecentErrors = models.DefaultRecentErrors
	}
}

// ProbeInterval returns the monitor interval as a duration.
func (c *MonitorConfig) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Second
}

// ProbeTimeoutDuration returns the probe timeout as a duration.
func (c *MonitorConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Second
}

// ItemTimeoutDuration returns the per-item push deadline.
func (c *SyncConfig) ItemTimeoutDuration() time.Duration {
	return time.Duration(c.ItemTimeout) * time.Second
}
