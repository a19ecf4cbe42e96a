// Package voiceutils_test tests the shared path and formatting helpers.
package voiceutils_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/voiceprep-service/internal/voiceutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDataDir_EnvironmentOverride(t *testing.T) {
	t.Setenv("VOICEPREP_DATA_DIR", "/srv/voices")

	assert.Equal(t, "/srv/voices", voiceutils.GetDataDir())
}

func TestEnsureDir_CreatesNestedDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "c")

	err := voiceutils.EnsureDir(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent on an existing directory.
	err = voiceutils.EnsureDir(path)
	require.NoError(t, err)
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "96 B", voiceutils.FormatFileSize(96))
	assert.Equal(t, "1.5 KB", voiceutils.FormatFileSize(1536))
	assert.Equal(t, "60.1 MB", voiceutils.FormatFileSize(63018172))
	assert.Equal(t, "2.0 GB", voiceutils.FormatFileSize(2147483648))
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(
		t,
		"ar_JO-kareem-medium.onnx",
		voiceutils.SanitizeFilename("ar_JO-kareem-medium.onnx"),
	)
	assert.Equal(
		t,
		"voices_ar.onnx",
		voiceutils.SanitizeFilename("voices/ar.onnx"),
	)
	assert.Equal(t, "a_b_c", voiceutils.SanitizeFilename(`a\b*c`))
}
