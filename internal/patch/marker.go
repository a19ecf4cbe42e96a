// Package patch prepares downloaded voice model binaries for the inference
// engine: it appends the required metadata records to the model file, tracks
// completion through versioned marker files colocated with the binary, and
// reconciles leftovers from superseded pipeline versions.
package patch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CurrentSchemaVersion tags markers written by this pipeline release. It
// increases monotonically across releases; any marker carrying an older
// version identifies a binary that must be discarded and re-acquired, because
// the metadata records are append-only and re-appending over stale records
// would corrupt the file for the engine.
const CurrentSchemaVersion = 2

// firstSchemaVersion is the oldest marker version ever shipped.
const firstSchemaVersion = 1

// File naming and content conventions, all derived from the binary's own
// filename.
const (
	markerSuffixFormat = ".meta.v%d"
	statusLogSuffix    = ".prepare.log"

	markerContentFormat = "schema_version=%d\npre_patch_bytes=%d\n"
	prePatchBytesPrefix = "pre_patch_bytes="

	statusLineFormat = "%s %s\n"
	statusTimeLayout = time.RFC3339

	sideFilePermissions = 0o600
)

// PrePatchBytesUnknown is recorded when a current-version marker exists but
// its pre-patch length could not be parsed. The marker content is diagnostic
// only; presence of the file is what gates the injector.
const PrePatchBytesUnknown = int64(-1)

// Error message constants.
const (
	errFmtStatMarker     = "failed to stat marker %s: %w"
	errFmtWriteMarker    = "failed to write marker %s: %w"
	errFmtOpenStatusLog  = "failed to open status log %s: %w"
	errFmtWriteStatusLog = "failed to write status log %s: %w"
)

// MarkerKind enumerates the closed set of marker states a binary can be in.
type MarkerKind int

const (
	// MarkerNone means no marker of any version exists: the binary (if
	// present) is pristine.
	MarkerNone MarkerKind = iota
	// MarkerCurrent means the current-version marker exists: the binary
	// has already been patched by this pipeline release.
	MarkerCurrent
	// MarkerLegacy means only markers from superseded versions exist: the
	// binary carries stale records and must be discarded.
	MarkerLegacy
)

// MarkerState is the tagged variant describing whether and how a binary has
// been patched. PrePatchBytes is meaningful for MarkerCurrent;
// LegacyVersions for MarkerLegacy.
type MarkerState struct {
	Kind           MarkerKind
	PrePatchBytes  int64
	LegacyVersions []int
}

// MarkerPath returns the marker filename for the given schema version,
// derived from the binary's own path.
func MarkerPath(binaryPath string, version int) string {
	return binaryPath + fmt.Sprintf(markerSuffixFormat, version)
}

// StatusLogPath returns the human-readable status log filename for a binary.
func StatusLogPath(binaryPath string) string {
	return binaryPath + statusLogSuffix
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf(errFmtStatMarker, path, err)
}

// InspectMarkers determines the marker state for a binary purely from file
// existence, never from hashing the (possibly large) binary itself.
func InspectMarkers(binaryPath string) (MarkerState, error) {
	currentExists, err := fileExists(MarkerPath(binaryPath, CurrentSchemaVersion))
	if err != nil {
		return MarkerState{}, err
	}

	if currentExists {
		return MarkerState{
			Kind:           MarkerCurrent,
			PrePatchBytes:  readPrePatchBytes(binaryPath),
			LegacyVersions: nil,
		}, nil
	}

	var legacy []int

	for version := firstSchemaVersion; version < CurrentSchemaVersion; version++ {
		exists, statErr := fileExists(MarkerPath(binaryPath, version))
		if statErr != nil {
			return MarkerState{}, statErr
		}

		if exists {
			legacy = append(legacy, version)
		}
	}

	if len(legacy) > 0 {
		return MarkerState{
			Kind:           MarkerLegacy,
			PrePatchBytes:  0,
			LegacyVersions: legacy,
		}, nil
	}

	return MarkerState{Kind: MarkerNone, PrePatchBytes: 0, LegacyVersions: nil}, nil
}

// readPrePatchBytes extracts the recorded pre-patch length from the current
// marker. Unreadable or unparsable content degrades to PrePatchBytesUnknown
// rather than an error.
func readPrePatchBytes(binaryPath string) int64 {
	data, err := os.ReadFile(MarkerPath(binaryPath, CurrentSchemaVersion))
	if err != nil {
		return PrePatchBytesUnknown
	}

	for _, line := range strings.Split(string(data), "\n") {
		value, found := strings.CutPrefix(line, prePatchBytesPrefix)
		if !found {
			continue
		}

		parsed, parseErr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if parseErr != nil {
			return PrePatchBytesUnknown
		}

		return parsed
	}

	return PrePatchBytesUnknown
}

// writeMarker records successful injection for the current schema version,
// including the binary's pre-patch byte length for diagnostics.
func writeMarker(binaryPath string, prePatchBytes int64) error {
	path := MarkerPath(binaryPath, CurrentSchemaVersion)
	content := fmt.Sprintf(markerContentFormat, CurrentSchemaVersion, prePatchBytes)

	err := os.WriteFile(path, []byte(content), sideFilePermissions)
	if err != nil {
		return fmt.Errorf(errFmtWriteMarker, path, err)
	}

	return nil
}

// appendStatusLine appends one timestamped line to the binary's status log.
func appendStatusLine(binaryPath, message string) error {
	path := StatusLogPath(binaryPath)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, sideFilePermissions)
	if err != nil {
		return fmt.Errorf(errFmtOpenStatusLog, path, err)
	}

	line := fmt.Sprintf(statusLineFormat, time.Now().Format(statusTimeLayout), message)

	_, writeErr := file.WriteString(line)
	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf(errFmtWriteStatusLog, path, writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf(errFmtWriteStatusLog, path, closeErr)
	}

	return nil
}
