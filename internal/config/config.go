// Package config loads the meshchat server configuration from an optional
// YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile       = "MESHCHAT_CONFIG_FILE"
	EnvHTTPAddr         = "MESHCHAT_HTTP_ADDR"
	EnvDBDriver         = "MESHCHAT_DB_DRIVER"
	EnvDBDSN            = "MESHCHAT_DB_DSN"
	EnvLogLevel         = "MESHCHAT_LOG_LEVEL"
	EnvLogFormat        = "MESHCHAT_LOG_FORMAT"
	EnvMaxTurns         = "MESHCHAT_MAX_TURNS"
	EnvCallTimeout      = "MESHCHAT_CALL_TIMEOUT"
	EnvCommitTimeout    = "MESHCHAT_COMMIT_TIMEOUT"
	EnvDefaultModel     = "MESHCHAT_DEFAULT_MODEL"
	EnvAllowedOrigins   = "MESHCHAT_ALLOWED_ORIGINS"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL    = "OPENAI_BASE_URL"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	defaultConfigFile   = "meshchat.yaml"
	alternateConfigFile = "meshchat.yml"
)

const (
	DefaultHTTPAddr      = ":8080"
	DefaultDBDriver      = "sqlite"
	DefaultDBDSN         = "meshchat.db"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultMaxTurns      = 8
	DefaultCallTimeout   = 30 * time.Second
	DefaultCommitTimeout = 5 * time.Second
	DefaultModel         = "echo/echo"
)

// Config is the resolved server configuration.
type Config struct {
	HTTPAddr        string
	DBDriver        string
	DBDSN           string
	LogLevel        string
	LogFormat       string
	MaxTurns        int
	CallTimeout     time.Duration
	CommitTimeout   time.Duration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	// DefaultModel is the model reference of agents created without one.
	DefaultModel string
	// AllowedOrigins lists CORS origins. "*" allows any origin; an empty list
	// only allows same-origin browser requests.
	AllowedOrigins []string
}

type fileConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	DBDriver        string   `yaml:"db_driver"`
	DBDSN           string   `yaml:"db_dsn"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	MaxTurns        *int     `yaml:"max_turns"`
	CallTimeout     string   `yaml:"call_timeout"`
	CommitTimeout   string   `yaml:"commit_timeout"`
	OpenAIAPIKey    string   `yaml:"openai_api_key"`
	OpenAIBaseURL   string   `yaml:"openai_base_url"`
	AnthropicAPIKey string   `yaml:"anthropic_api_key"`
	DefaultModel    string   `yaml:"default_model"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:      DefaultHTTPAddr,
		DBDriver:      DefaultDBDriver,
		DBDSN:         DefaultDBDSN,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		MaxTurns:      DefaultMaxTurns,
		CallTimeout:   DefaultCallTimeout,
		CommitTimeout: DefaultCommitTimeout,
		DefaultModel:  DefaultModel,
	}
}

// Load builds the configuration from defaults, the config file and the
// environment, in that order of precedence. path overrides the file lookup;
// when empty, MESHCHAT_CONFIG_FILE and then ./meshchat.yaml are tried.
func Load(path string) (Config, error) {
	cfg := Default()

	fc, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyFile(&cfg, fc); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr must not be empty")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db_driver must be sqlite or postgres, got %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("db_dsn must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.MaxTurns <= 0 {
		return errors.New("max_turns must be > 0")
	}
	if c.CallTimeout <= 0 {
		return errors.New("call_timeout must be > 0")
	}
	if c.CommitTimeout <= 0 {
		return errors.New("commit_timeout must be > 0")
	}
	if !strings.Contains(c.DefaultModel, "/") {
		return fmt.Errorf("default_model must be provider/model, got %q", c.DefaultModel)
	}
	return nil
}

func loadFile(explicit string) (fileConfig, error) {
	path, ok, err := resolvePath(explicit)
	if err != nil || !ok {
		return fileConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return fc, nil
}

func resolvePath(explicit string) (string, bool, error) {
	if explicit = strings.TrimSpace(explicit); explicit == "" {
		explicit = envString(EnvConfigFile)
	}
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	for _, candidate := range []string{defaultConfigFile, alternateConfigFile} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.DBDriver, strings.ToLower(fc.DBDriver))
	setString(&cfg.DBDSN, fc.DBDSN)
	setString(&cfg.LogLevel, strings.ToLower(fc.LogLevel))
	setString(&cfg.LogFormat, strings.ToLower(fc.LogFormat))
	setString(&cfg.OpenAIAPIKey, fc.OpenAIAPIKey)
	setString(&cfg.OpenAIBaseURL, fc.OpenAIBaseURL)
	setString(&cfg.AnthropicAPIKey, fc.AnthropicAPIKey)
	setString(&cfg.DefaultModel, fc.DefaultModel)
	if fc.MaxTurns != nil {
		cfg.MaxTurns = *fc.MaxTurns
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = trimAll(fc.AllowedOrigins)
	}

	var err error
	if cfg.CallTimeout, err = parseDuration(fc.CallTimeout, cfg.CallTimeout, "call_timeout"); err != nil {
		return err
	}
	if cfg.CommitTimeout, err = parseDuration(fc.CommitTimeout, cfg.CommitTimeout, "commit_timeout"); err != nil {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, envString(EnvHTTPAddr))
	setString(&cfg.DBDriver, strings.ToLower(envString(EnvDBDriver)))
	setString(&cfg.DBDSN, envString(EnvDBDSN))
	setString(&cfg.LogLevel, strings.ToLower(envString(EnvLogLevel)))
	setString(&cfg.LogFormat, strings.ToLower(envString(EnvLogFormat)))
	setString(&cfg.OpenAIAPIKey, envString(EnvOpenAIAPIKey))
	setString(&cfg.OpenAIBaseURL, envString(EnvOpenAIBaseURL))
	setString(&cfg.AnthropicAPIKey, envString(EnvAnthropicAPIKey))
	setString(&cfg.DefaultModel, envString(EnvDefaultModel))
	if raw := envString(EnvAllowedOrigins); raw != "" {
		cfg.AllowedOrigins = trimAll(strings.Split(raw, ","))
	}
	if raw := envString(EnvMaxTurns); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxTurns, err)
		}
		cfg.MaxTurns = n
	}

	var err error
	if cfg.CallTimeout, err = parseDuration(envString(EnvCallTimeout), cfg.CallTimeout, EnvCallTimeout); err != nil {
		return err
	}
	if cfg.CommitTimeout, err = parseDuration(envString(EnvCommitTimeout), cfg.CommitTimeout, EnvCommitTimeout); err != nil {
		return err
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func parseDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	return d, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
