// Package voiceutils provides file and path utility functions shared by the
// voice preparation components.
package voiceutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names used for path resolution.
const (
	envDataDir = "VOICEPREP_DATA_DIR"
)

// Common application directory and path constants.
const (
	appName                = "voiceprep-service"
	modelsDirName          = "models"
	tmpDir                 = "/tmp"
	dotCache               = ".cache"
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Size formatting constants.
const (
	formatGB    = "%.1f GB"
	formatMB    = "%.1f MB"
	formatKB    = "%.1f KB"
	formatBytes = "%d B"
)

// Error format constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
)

// GetDataDir returns the directory holding downloaded voice models,
// respecting an environment variable override and falling back to a standard
// user-based cache directory.
func GetDataDir() string {
	if dataDir := os.Getenv(envDataDir); dataDir != "" {
		return dataDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to a temporary directory if home cannot be determined.
		return filepath.Join(tmpDir, appName, modelsDirName)
	}

	return filepath.Join(homeDir, dotCache, appName, modelsDirName)
}

// EnsureDir ensures a directory exists at the given path, creating it if it
// doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// FormatFileSize formats a file size in a human-readable string (e.g.
// "60.1 MB", "96 B").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// SanitizeFilename removes or replaces characters that are invalid in most
// filesystems, so externally supplied object keys can be used as local
// filenames.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}
