package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jc2409/jsonify/internal/logger"
)

const defaultPath = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Pipeline    PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Inference   InferenceConfig           `json:"inference" yaml:"inference"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Logging     logger.Config             `json:"logging" yaml:"logging"`
}

type ProviderConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Model      string `json:"model" yaml:"model"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	APIVersion string `json:"api_version" yaml:"api_version"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// BasicConfig durations are expressed in minutes, like the rest of the file.
type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	Database          string `json:"database" yaml:"database"`
	StagingDir        string `json:"staging_dir" yaml:"staging_dir"`
	OutputDir         string `json:"output_dir" yaml:"output_dir"`
	MaxUploadBytes    int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	OutputTTL         int    `json:"output_ttl" yaml:"output_ttl"`
	SweepInterval     int    `json:"sweep_interval" yaml:"sweep_interval"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
}

type PipelineConfig struct {
	// TextLimit caps extracted text in runes; 0 keeps the full content.
	TextLimit           int   `json:"text_limit" yaml:"text_limit"`
	MaxEntryBytes       int64 `json:"max_entry_bytes" yaml:"max_entry_bytes"`
	ExtractSpreadsheets bool  `json:"extract_spreadsheets" yaml:"extract_spreadsheets"`
	WriteRetries        int   `json:"write_retries" yaml:"write_retries"`
}

type InferenceConfig struct {
	Provider       string `json:"provider" yaml:"provider"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	// CacheTTL is in minutes; 0 disables the cache.
	CacheTTL  int `json:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int `json:"cache_size" yaml:"cache_size"`
}

var knownProviders = map[string]bool{"openai": true, "azure": true, "claude": true, "gemini": true}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:     ":8090",
			Database:          "sqlite3",
			StagingDir:        "./data/staging",
			OutputDir:         "./data/output",
			MaxUploadBytes:    256 << 20,
			OutputTTL:         24 * 60,
			SweepInterval:     60,
			MinWorkers:        2,
			MaxWorkers:        8,
			QueueSize:         64,
			WorkerIdleTimeout: 1,
		},
		Pipeline: PipelineConfig{
			MaxEntryBytes: 128 << 20,
			WriteRetries:  1,
		},
		Inference: InferenceConfig{
			Provider:       "azure",
			Model:          "gpt-4o",
			TimeoutSeconds: 120,
			CacheSize:      512,
		},
		Providers: map[string]ProviderConfig{},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/jsonify.db"},
		},
		Logging: logger.Config{Level: "info"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file yields Default(); an explicitly named file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	// .env next to the working directory is optional
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	override := func(name string, apply func(p *ProviderConfig)) {
		p := c.Providers[name]
		apply(&p)
		c.Providers[name] = p
	}
	if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
		override("azure", func(p *ProviderConfig) { p.APIKey = v })
	}
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		override("azure", func(p *ProviderConfig) { p.BaseURL = v })
	}
	if v := os.Getenv("AZURE_OPENAI_API_VERSION"); v != "" {
		override("azure", func(p *ProviderConfig) { p.APIVersion = v })
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		override("openai", func(p *ProviderConfig) { p.APIKey = v })
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		override("claude", func(p *ProviderConfig) { p.APIKey = v })
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		override("gemini", func(p *ProviderConfig) { p.APIKey = v })
	}
	if v := os.Getenv("JSONIFY_SERVER_ADDRESS"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("JSONIFY_DB"); v != "" {
		c.BasicConfig.Database = v
	}
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.BasicConfig.StagingDir = abs(c.BasicConfig.StagingDir)
	c.BasicConfig.OutputDir = abs(c.BasicConfig.OutputDir)
	for name, db := range c.Databases {
		if strings.HasPrefix(name, "sqlite") && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = abs(db.DSN)
			c.Databases[name] = db
		}
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	b := c.BasicConfig
	switch {
	case b.StagingDir == "" || b.OutputDir == "":
		return errors.New("staging_dir and output_dir must be configured")
	case b.StagingDir == b.OutputDir:
		return errors.New("staging_dir and output_dir must differ")
	case b.MinWorkers < 0 || b.MaxWorkers < 0 || b.QueueSize < 0:
		return errors.New("worker settings cannot be negative")
	case b.MaxWorkers > 0 && b.MinWorkers > b.MaxWorkers:
		return fmt.Errorf("min_workers (%d) exceeds max_workers (%d)", b.MinWorkers, b.MaxWorkers)
	case c.Pipeline.TextLimit < 0:
		return errors.New("text_limit cannot be negative")
	case c.Pipeline.MaxEntryBytes < 0:
		return errors.New("max_entry_bytes cannot be negative")
	case c.Pipeline.WriteRetries < 0:
		return errors.New("write_retries cannot be negative")
	case c.Inference.TimeoutSeconds < 0 || c.Inference.CacheTTL < 0 || c.Inference.CacheSize < 0:
		return errors.New("inference settings cannot be negative")
	}
	if !knownProviders[c.Inference.Provider] {
		return fmt.Errorf("unknown inference provider %q", c.Inference.Provider)
	}
	return nil
}
