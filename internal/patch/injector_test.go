// Package patch_test tests the marker-gated metadata injection state machine.
package patch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceprep-service/internal/onnxmeta"
	"github.com/book-expert/voiceprep-service/internal/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDescriptor = `{
	"audio": {"sample_rate": 22050},
	"phoneme_id_map": {"_": [0], "a": [1]},
	"num_speakers": 1,
	"espeak": {"voice": "ar"}
}`

var testModelBytes = []byte("\x08\x07onnx-model-bytes")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "patch-test.log")
	require.NoError(t, err)

	return log
}

// writeTestAsset materializes a pristine model binary and its descriptor in a
// fresh temp dir and returns both paths.
func writeTestAsset(t *testing.T, descriptor string) (binaryPath, configPath string) {
	t.Helper()

	dir := t.TempDir()
	binaryPath = filepath.Join(dir, "voice.onnx")
	configPath = filepath.Join(dir, "voice.onnx.json")

	err := os.WriteFile(binaryPath, testModelBytes, 0o600)
	require.NoError(t, err)

	err = os.WriteFile(configPath, []byte(descriptor), 0o600)
	require.NoError(t, err)

	return binaryPath, configPath
}

func TestInject_PristineBinaryApplied(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(t, testDescriptor)
	injector := patch.NewInjector(newTestLogger(t))

	outcome := injector.Inject(binaryPath, configPath)
	require.NoError(t, outcome.Err)
	require.Equal(t, patch.OutcomeApplied, outcome.Kind)
	require.Positive(t, outcome.BytesAppended)

	// Original bytes untouched, appended suffix decodes to the fixed record set.
	patched, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	require.Equal(t, testModelBytes, patched[:len(testModelBytes)])

	entries, err := onnxmeta.DecodeEntries(patched[len(testModelBytes):])
	require.NoError(t, err)
	require.Equal(t, []onnxmeta.Entry{
		{Key: "sample_rate", Value: "22050"},
		{Key: "n_speakers", Value: "1"},
		{Key: "language", Value: "ar"},
		{Key: "voice", Value: "ar"},
		{Key: "comment", Value: "piper"},
		{Key: "add_blank", Value: "1"},
	}, entries)

	// Marker records the schema version and the pre-patch length.
	state, err := patch.InspectMarkers(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, patch.MarkerCurrent, state.Kind)
	assert.Equal(t, int64(len(testModelBytes)), state.PrePatchBytes)

	_, err = os.Stat(patch.StatusLogPath(binaryPath))
	require.NoError(t, err)
}

func TestInject_SecondCallIsIdempotent(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(t, testDescriptor)
	injector := patch.NewInjector(newTestLogger(t))

	first := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeApplied, first.Kind)

	infoAfterFirst, err := os.Stat(binaryPath)
	require.NoError(t, err)

	second := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeSkipped, second.Kind)
	assert.Equal(t, "already patched", second.Reason)

	infoAfterSecond, err := os.Stat(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, infoAfterFirst.Size(), infoAfterSecond.Size())
}

func TestInject_LegacyMarkerForcesReset(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(t, testDescriptor)
	legacyMarker := patch.MarkerPath(binaryPath, 1)

	err := os.WriteFile(legacyMarker, []byte("schema_version=1\n"), 0o600)
	require.NoError(t, err)

	injector := patch.NewInjector(newTestLogger(t))

	outcome := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeReset, outcome.Kind)
	require.NoError(t, outcome.Err)

	// Binary and stale marker are gone; the reset is logged.
	_, statErr := os.Stat(binaryPath)
	require.True(t, os.IsNotExist(statErr))

	_, statErr = os.Stat(legacyMarker)
	require.True(t, os.IsNotExist(statErr))

	_, statErr = os.Stat(patch.StatusLogPath(binaryPath))
	require.NoError(t, statErr)

	// A follow-up call must report absence, not fabricate a file.
	outcome = injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeFailed, outcome.Kind)
	require.ErrorIs(t, outcome.Err, patch.ErrModelMissing)

	_, statErr = os.Stat(binaryPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestInject_MalformedDescriptorLeavesBinaryPristine(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(t, `{"audio": {`)
	injector := patch.NewInjector(newTestLogger(t))

	outcome := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeFailed, outcome.Kind)
	require.Error(t, outcome.Err)

	// No bytes appended, no marker written: the next run retries from the
	// pristine branch.
	data, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, testModelBytes, data)

	state, err := patch.InspectMarkers(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, patch.MarkerNone, state.Kind)

	// The failure itself is recorded in the status log.
	_, statErr := os.Stat(patch.StatusLogPath(binaryPath))
	require.NoError(t, statErr)
}

func TestInject_MissingDescriptorFails(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(t, testDescriptor)

	err := os.Remove(configPath)
	require.NoError(t, err)

	injector := patch.NewInjector(newTestLogger(t))

	outcome := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeFailed, outcome.Kind)

	data, readErr := os.ReadFile(binaryPath)
	require.NoError(t, readErr)
	assert.Equal(t, testModelBytes, data)
}

func TestMetadataEntries_DefaultsAndOrder(t *testing.T) {
	t.Parallel()

	binaryPath, configPath := writeTestAsset(
		t,
		`{"audio": {"sample_rate": 16000}, "phoneme_id_map": {"a": [1]}}`,
	)
	injector := patch.NewInjector(newTestLogger(t))

	outcome := injector.Inject(binaryPath, configPath)
	require.Equal(t, patch.OutcomeApplied, outcome.Kind)

	patched, err := os.ReadFile(binaryPath)
	require.NoError(t, err)

	entries, err := onnxmeta.DecodeEntries(patched[len(testModelBytes):])
	require.NoError(t, err)
	require.Equal(t, []onnxmeta.Entry{
		{Key: "sample_rate", Value: "16000"},
		{Key: "n_speakers", Value: "1"},
		{Key: "language", Value: "en-us"},
		{Key: "voice", Value: "en-us"},
		{Key: "comment", Value: "piper"},
		{Key: "add_blank", Value: "1"},
	}, entries)
}
