package config

import (
	"os"
	"path/filepath"
	"testing"

	"storesync/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
store:
  id: "store-042"
database:
  path: "test.db"
central:
  base_url: "https://hq.example.com"
resolution:
  strategies:
    stock_count: last_write_wins_local
    price_list: last_write_wins_remote
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Store.ID != "store-042" {
		t.Errorf("expected store id store-042, got %s", cfg.Store.ID)
	}
	if cfg.Resolution.Strategies["stock_count"] != models.StrategyLastWriteWinsLocal {
		t.Errorf("unexpected strategy: %s", cfg.Resolution.Strategies["stock_count"])
	}

	// Defaults
	if cfg.Monitor.ProbeInterval != models.DefaultProbeIntervalSec {
		t.Errorf("expected default probe interval, got %d", cfg.Monitor.ProbeInterval)
	}
	if cfg.Sync.Backoff.Cap != models.DefaultBackoffCapSec {
		t.Errorf("expected default backoff cap, got %d", cfg.Sync.Backoff.Cap)
	}
	if cfg.Central.HealthPath != "/healthz" {
		t.Errorf("expected default health path, got %s", cfg.Central.HealthPath)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("CENTRAL_API_KEY", "secret-key")

	yamlContent := `
store:
  id: "store-1"
database:
  path: "test.db"
central:
  base_url: "https://hq.example.com"
  api_key: "${CENTRAL_API_KEY}"
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Central.APIKey != "secret-key" {
		t.Errorf("expected expanded api key, got %s", cfg.Central.APIKey)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Store:    StoreConfig{ID: "store-1"},
				Database: DatabaseConfig{Path: "path"},
				Central:  CentralConfig{BaseURL: "https://hq"},
			},
			wantErr: false,
		},
		{
			name: "missing store id",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Central:  CentralConfig{BaseURL: "https://hq"},
			},
			wantErr: true,
		},
		{
			name: "missing central url",
			cfg: Config{
				Store:    StoreConfig{ID: "store-1"},
				Database: DatabaseConfig{Path: "path"},
			},
			wantErr: true,
		},
		{
			name: "unknown strategy",
			cfg: Config{
				Store:    StoreConfig{ID: "store-1"},
				Database: DatabaseConfig{Path: "path"},
				Central:  CentralConfig{BaseURL: "https://hq"},
				Resolution: ResolutionConfig{
					Strategies: map[string]string{"receipt": "newest_wins"},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
