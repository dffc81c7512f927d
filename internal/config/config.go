package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/mihaisavezi/claude-gate/internal/pricing"
)

const (
	DefaultPort           = 6971
	DefaultConfigFilename = "config.json"
	DefaultHost           = "127.0.0.1"
	DefaultUpstreamURL    = "https://openrouter.ai/api/v1/chat/completions"
)

// Upstream is the single chat-completions endpoint requests are forwarded
// to. The API key is a fallback; a caller-supplied credential wins.
type Upstream struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

type Config struct {
	Host       string   `json:"HOST,omitempty"`
	Port       int      `json:"PORT,omitempty"`
	APIKey     string   `json:"APIKEY,omitempty"`
	Upstream   Upstream `json:"Upstream"`
	CatalogURL string   `json:"CatalogURL,omitempty"`
}

type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Return a config with defaults if loading fails
		cfg = &Config{}
		applyDefaults(cfg)
	}

	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = DefaultUpstreamURL
	}

	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}

	if cfg.CatalogURL == "" {
		cfg.CatalogURL = pricing.DefaultCatalogURL
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("CLAUDE_GATE_API_KEY")
	}
}
