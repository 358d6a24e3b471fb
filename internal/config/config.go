package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite3"
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"

	IDStrategyCount     = "count"
	IDStrategyMonotonic = "monotonic"

	ProviderDashScope = "dashscope"
	ProviderOpenAI    = "openai"
	ProviderClaude    = "claude"
	ProviderGemini    = "gemini"
)

const defaultConfigPath = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	CORS        CORSConfig                `json:"cors"`
}

type BasicConfig struct {
	ServerAddress          string `json:"server_address"`
	Store                  string `json:"store"`
	Provider               string `json:"provider"`
	IDStrategy             string `json:"id_strategy"`
	LogLevel               string `json:"log_level"`
	LogFormat              string `json:"log_format"`
	MaxWorkers             int    `json:"max_workers"`
	QueueSize              int    `json:"queue_size"`
	ProviderTimeoutSeconds int    `json:"provider_timeout_seconds"`
}

// ProviderConfig describes one upstream completion provider. APIKey is filled
// from the environment variable named by APIKeyEnv when it is empty.
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	MaxTokens int    `json:"max_tokens"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// CORSConfig controls cross-origin access. An origin of "*" allows any origin.
type CORSConfig struct {
	AllowOrigins     []string `json:"allow_origins"`
	AllowMethods     []string `json:"allow_methods"`
	AllowHeaders     []string `json:"allow_headers"`
	AllowCredentials *bool    `json:"allow_credentials"`
	MaxAgeSeconds    int      `json:"max_age_seconds"`
}

// Credentials reports whether credentialed requests are allowed. Unset means
// allowed.
func (c CORSConfig) Credentials() bool {
	return c.AllowCredentials == nil || *c.AllowCredentials
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:          ":8000",
			Store:                  StoreMemory,
			Provider:               ProviderDashScope,
			IDStrategy:             IDStrategyCount,
			LogLevel:               "info",
			LogFormat:              "json",
			MaxWorkers:             8,
			QueueSize:              64,
			ProviderTimeoutSeconds: 120,
		},
		Providers: map[string]ProviderConfig{
			ProviderDashScope: {
				BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:     "qwen-max",
				APIKeyEnv: "DASHSCOPE_API_KEY",
			},
			ProviderOpenAI: {
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			ProviderClaude: {
				Model:     "claude-3-5-haiku-latest",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				MaxTokens: 3000,
			},
			ProviderGemini: {
				Model:     "gemini-2.0-flash",
				APIKeyEnv: "GEMINI_API_KEY",
			},
		},
		Databases: map[string]DatabaseConfig{
			StoreSQLite: {DSN: "convochat.db"},
		},
		Redis: RedisConfig{
			Host:   "127.0.0.1",
			Port:   6379,
			Prefix: "convochat",
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"*"},
			AllowHeaders: []string{"*"},
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: built-in defaults are used. Values
// from a .env file and the process environment override the file.
func Load(path string) (*Config, error) {
	// .env is optional, but a malformed one is an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	fillDefaults(cfg, Default())
	applyEnv(cfg)
	resolveCredentials(cfg)

	if db, ok := cfg.Databases[StoreSQLite]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases[StoreSQLite] = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores built-in values for fields a config file left empty.
// Decoding replaces whole map entries, so a provider or database block that
// sets one field would otherwise lose the rest.
func fillDefaults(cfg *Config, defaults *Config) {
	for name, p := range cfg.Providers {
		d, ok := defaults.Providers[name]
		if !ok {
			continue
		}
		if p.BaseURL == "" {
			p.BaseURL = d.BaseURL
		}
		if p.Model == "" {
			p.Model = d.Model
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = d.APIKeyEnv
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = d.MaxTokens
		}
		cfg.Providers[name] = p
	}
	for name, db := range cfg.Databases {
		d, ok := defaults.Databases[name]
		if !ok {
			continue
		}
		if db.DSN == "" && db.Host == "" {
			db.DSN = d.DSN
		}
		cfg.Databases[name] = db
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVOCHAT_ADDR"); v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("CONVOCHAT_STORE"); v != "" {
		cfg.BasicConfig.Store = v
	}
	if v := os.Getenv("CONVOCHAT_PROVIDER"); v != "" {
		cfg.BasicConfig.Provider = v
	}
	if v := os.Getenv("CONVOCHAT_ID_STRATEGY"); v != "" {
		cfg.BasicConfig.IDStrategy = v
	}
	if v := os.Getenv("CONVOCHAT_LOG_LEVEL"); v != "" {
		cfg.BasicConfig.LogLevel = v
	}
}

// resolveCredentials copies provider keys out of the environment. Missing keys
// are left empty and only fail when the provider is first called.
func resolveCredentials(cfg *Config) {
	for name, p := range cfg.Providers {
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
			cfg.Providers[name] = p
		}
	}
}

// Validate checks option values that have a fixed set of choices.
func (c *Config) Validate() error {
	b := c.BasicConfig
	switch strings.ToLower(b.Store) {
	case StoreMemory, StoreSQLite, "sqlite", StoreMySQL, StoreRedis:
	default:
		return fmt.Errorf("unsupported store: %q", b.Store)
	}
	switch b.IDStrategy {
	case IDStrategyCount, IDStrategyMonotonic:
	default:
		return fmt.Errorf("unsupported id_strategy: %q", b.IDStrategy)
	}
	if _, ok := c.Providers[b.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", b.Provider)
	}
	if b.MaxWorkers <= 0 {
		return errors.New("max_workers must be positive")
	}
	if b.QueueSize < 0 {
		return errors.New("queue_size cannot be negative")
	}
	return nil
}

// ActiveProvider returns the configuration of the selected provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.BasicConfig.Provider]
}
