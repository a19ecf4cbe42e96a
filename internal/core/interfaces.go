// Package core defines the shared value types and interfaces for the voice
// preparation service.
package core

import "context"

// VoiceAsset identifies one synthesizable voice: a binary model blob plus the
// JSON descriptor that ships beside it, both path-addressed on local disk.
// The optional keys name the remote objects used to (re-)acquire the files.
type VoiceAsset struct {
	Name       string
	ModelPath  string
	ConfigPath string
	ModelKey   string
	ConfigKey  string
}

// TokensPath returns the path of the token table file derived for this asset.
// The table is named after the model file so that multiple voices can share a
// directory without colliding.
func (a VoiceAsset) TokensPath() string {
	return a.ModelPath + ".tokens.txt"
}

// ModelFetcher acquires a raw voice file from a remote source onto local
// disk. Implementations must either fully materialize the destination file or
// leave no file behind.
type ModelFetcher interface {
	FetchToFile(ctx context.Context, key string, destPath string) error
}
