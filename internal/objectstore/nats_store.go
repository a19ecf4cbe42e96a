// Package objectstore provides a NATS JetStream backed source of raw voice
// model files. It implements core.ModelFetcher for deployments that stage
// voice packages in an object store bucket instead of an HTTP repository.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/voiceprep-service/internal/voiceutils"
)

// Error format constants.
const (
	errFmtCreateBucket = "failed to create object store bucket '%s': %w"
	errFmtBindBucket   = "failed to bind to existing object store bucket '%s': %w"
	errFmtGetObject    = "failed to get object '%s' from bucket '%s': %w"
	errFmtReadObject   = "failed to read object '%s': %w"
	errFmtCloseObject  = "failed to close object '%s': %w"
	errFmtPutObject    = "failed to put object '%s' to bucket '%s': %w"
	errFmtCreateTemp   = "failed to create temp file for object '%s': %w"
	errFmtRenameTemp   = "failed to move object '%s' into place at %s: %w"
)

// VoiceStore fetches and stages voice model files in a NATS JetStream object
// store bucket.
type VoiceStore struct {
	jetstreamContext nats.JetStreamContext
	bucket           string
	store            nats.ObjectStore
}

// New creates a VoiceStore bound to bucketName, creating the bucket when it
// does not exist yet.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*VoiceStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Raw voice model packages for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf(errFmtBindBucket, bucketName, err)
			}
		} else {
			return nil, fmt.Errorf(errFmtCreateBucket, bucketName, err)
		}
	}

	return &VoiceStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
	}, nil
}

// FetchToFile streams the object named by key into destPath. The object is
// written to a temporary file beside the destination and renamed into place
// only once fully read, so a failed fetch never leaves a partial model file.
func (s *VoiceStore) FetchToFile(_ context.Context, key, destPath string) error {
	obj, err := s.store.Get(key)
	if err != nil {
		return fmt.Errorf(errFmtGetObject, key, s.bucket, err)
	}

	destDir := filepath.Dir(destPath)

	dirErr := voiceutils.EnsureDir(destDir)
	if dirErr != nil {
		closeObjectQuietly(obj)

		return dirErr
	}

	tempFile, err := os.CreateTemp(destDir, filepath.Base(destPath)+".fetch-*")
	if err != nil {
		closeObjectQuietly(obj)

		return fmt.Errorf(errFmtCreateTemp, key, err)
	}

	_, copyErr := io.Copy(tempFile, obj)
	objCloseErr := obj.Close()
	fileCloseErr := tempFile.Close()

	err = firstError(key, copyErr, objCloseErr, fileCloseErr)
	if err != nil {
		_ = os.Remove(tempFile.Name())

		return err
	}

	renameErr := os.Rename(tempFile.Name(), destPath)
	if renameErr != nil {
		_ = os.Remove(tempFile.Name())

		return fmt.Errorf(errFmtRenameTemp, key, destPath, renameErr)
	}

	return nil
}

// Upload stages an object in the bucket. It is used to seed buckets in tests
// and by tooling that publishes voice packages.
func (s *VoiceStore) Upload(_ context.Context, key string, data io.Reader) error {
	_, err := s.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, data)
	if err != nil {
		return fmt.Errorf(errFmtPutObject, key, s.bucket, err)
	}

	return nil
}

func firstError(key string, copyErr, objCloseErr, fileCloseErr error) error {
	if copyErr != nil {
		return fmt.Errorf(errFmtReadObject, key, copyErr)
	}

	if objCloseErr != nil {
		return fmt.Errorf(errFmtCloseObject, key, objCloseErr)
	}

	if fileCloseErr != nil {
		return fmt.Errorf(errFmtCloseObject, key, fileCloseErr)
	}

	return nil
}

func closeObjectQuietly(obj nats.ObjectResult) {
	_ = obj.Close()
}
