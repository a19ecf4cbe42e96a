// Package config provides the configuration structure for the
// voiceprep-service.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/voiceprep-service/internal/core"
	"github.com/book-expert/voiceprep-service/internal/voiceutils"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	VoicePrepareSubject    string `toml:"voice_prepare_subject"`
	VoiceObjectStoreBucket string `toml:"voice_object_store_bucket"`
}

// FetchConfig holds the configuration for the HTTP voice repository.
type FetchConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	ModelsDir   string `toml:"models_dir"`
	BaseLogsDir string `toml:"base_logs_dir"`
}

// VoiceConfig describes one voice asset the startup pass prepares. The keys
// default to the corresponding file names when empty.
type VoiceConfig struct {
	Name       string `toml:"name"`
	ModelFile  string `toml:"model_file"`
	ConfigFile string `toml:"config_file"`
	ModelKey   string `toml:"model_key"`
	ConfigKey  string `toml:"config_key"`
}

// Config is the root configuration structure.
type Config struct {
	NATS   NATSConfig    `toml:"nats"`
	Fetch  FetchConfig   `toml:"fetch"`
	Paths  PathsConfig   `toml:"paths"`
	Voices []VoiceConfig `toml:"voices"`
}

// Load loads the configuration for the voiceprep-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

// ModelsDir returns the configured models directory, falling back to the
// standard per-user data directory.
func (c *Config) ModelsDir() string {
	if c.Paths.ModelsDir != "" {
		return c.Paths.ModelsDir
	}

	return voiceutils.GetDataDir()
}

// Assets maps the configured voices onto concrete on-disk asset paths under
// the models directory.
func (c *Config) Assets() []core.VoiceAsset {
	modelsDir := c.ModelsDir()
	assets := make([]core.VoiceAsset, 0, len(c.Voices))

	for _, voice := range c.Voices {
		configFile := voice.ConfigFile
		if configFile == "" {
			configFile = voice.ModelFile + ".json"
		}

		modelKey := voice.ModelKey
		if modelKey == "" {
			modelKey = voice.ModelFile
		}

		// Mirror the repository convention: the descriptor sits beside
		// the model under the model's own key plus ".json".
		configKey := voice.ConfigKey
		if configKey == "" {
			configKey = modelKey + ".json"
		}

		assets = append(assets, core.VoiceAsset{
			Name:       voice.Name,
			ModelPath:  filepath.Join(modelsDir, voice.ModelFile),
			ConfigPath: filepath.Join(modelsDir, configFile),
			ModelKey:   modelKey,
			ConfigKey:  configKey,
		})
	}

	return assets
}
