// Package config_test tests the configuration loading for the voiceprep-service.
package config_test

import (
	"path/filepath"
	"testing"

	"github.com/book-expert/voiceprep-service/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
voice_prepare_subject = "voice.prepare"
voice_object_store_bucket = "VOICE_MODELS"

[fetch]
base_url = "https://huggingface.co/rhasspy/piper-voices/resolve/main"
timeout_seconds = 600

[paths]
models_dir = "/var/lib/voiceprep/models"
base_logs_dir = "/var/log/voiceprep"

[[voices]]
name = "ar"
model_file = "ar_JO-kareem-medium.onnx"
model_key = "ar/ar_JO/kareem/medium/ar_JO-kareem-medium.onnx"
config_key = "ar/ar_JO/kareem/medium/ar_JO-kareem-medium.onnx.json"

[[voices]]
name = "en"
model_file = "en_US-amy-medium.onnx"
config_file = "en_US-amy-medium.onnx.json"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "voice.prepare", cfg.NATS.VoicePrepareSubject)
	assert.Equal(t, "VOICE_MODELS", cfg.NATS.VoiceObjectStoreBucket)
	assert.Equal(
		t,
		"https://huggingface.co/rhasspy/piper-voices/resolve/main",
		cfg.Fetch.BaseURL,
	)
	assert.Equal(t, 600, cfg.Fetch.TimeoutSeconds)
	assert.Equal(t, "/var/lib/voiceprep/models", cfg.ModelsDir())
	require.Len(t, cfg.Voices, 2)
}

func TestConfigAssets_DefaultsAndPaths(t *testing.T) {
	t.Parallel()

	tomlData := `
[paths]
models_dir = "/data/models"

[[voices]]
name = "ar"
model_file = "ar_JO-kareem-medium.onnx"
model_key = "ar/ar_JO/kareem/medium/ar_JO-kareem-medium.onnx"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assets := cfg.Assets()
	require.Len(t, assets, 1)

	asset := assets[0]
	assert.Equal(t, "ar", asset.Name)
	assert.Equal(t, filepath.Join("/data/models", "ar_JO-kareem-medium.onnx"), asset.ModelPath)
	// The descriptor file defaults to the model file plus ".json".
	assert.Equal(
		t,
		filepath.Join("/data/models", "ar_JO-kareem-medium.onnx.json"),
		asset.ConfigPath,
	)
	assert.Equal(t, "ar/ar_JO/kareem/medium/ar_JO-kareem-medium.onnx", asset.ModelKey)
	// The descriptor key defaults to the model key plus ".json".
	assert.Equal(t, "ar/ar_JO/kareem/medium/ar_JO-kareem-medium.onnx.json", asset.ConfigKey)
}

func TestConfigModelsDir_FallsBackToDataDir(t *testing.T) {
	t.Setenv("VOICEPREP_DATA_DIR", "/srv/voiceprep")

	var cfg config.Config

	assert.Equal(t, "/srv/voiceprep", cfg.ModelsDir())
}
