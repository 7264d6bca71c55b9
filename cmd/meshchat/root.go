package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/internal/config"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/model/anthropic"
	"github.com/hupe1980/meshchat/model/openai"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "meshchat",
		Short: "Multi-agent conversation orchestrator",
		Long: `meshchat routes chat requests through a per-session graph of agents,
streams their replies as server-sent events and records the transcript.

Configuration is read from meshchat.yaml (or MESHCHAT_CONFIG_FILE) and
MESHCHAT_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts))
	return cmd
}

// load resolves and validates the configuration and builds the logger.
func (o *rootOptions) load() (config.Config, *logging.MeshLogger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToLower(o.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.NewLogger(&logging.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Output:    os.Stderr,
		Component: "meshchat",
	})
	return cfg, logger, nil
}

// buildModels registers the echo backend and every provider with
// credentials. The provider of cfg.DefaultModel becomes the fallback for
// references that name no provider.
func buildModels(cfg config.Config, logger logging.Logger) *model.Registry {
	models := model.NewRegistry()
	models.Register(engine.EchoProvider, model.NewScriptedModel(engine.EchoProvider))
	if cfg.OpenAIAPIKey != "" {
		models.Register("openai", openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.OpenAIAPIKey
			o.BaseURL = cfg.OpenAIBaseURL
		}))
	}
	if cfg.AnthropicAPIKey != "" {
		models.Register("anthropic", anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
		}))
	}

	provider, _, _ := strings.Cut(cfg.DefaultModel, "/")
	if err := models.SetDefault(provider); err != nil {
		logger.Warn("models.default_unavailable", "default_model", cfg.DefaultModel, "error", err)
	}
	logger.Info("models.registered", "providers", strings.Join(models.Providers(), ","))
	return models
}

func engineConfig(cfg config.Config) engine.Config {
	ec := engine.DefaultConfig
	ec.MaxTurns = cfg.MaxTurns
	ec.CallTimeout = cfg.CallTimeout
	ec.CommitTimeout = cfg.CommitTimeout
	ec.DefaultModel = cfg.DefaultModel
	return ec
}
