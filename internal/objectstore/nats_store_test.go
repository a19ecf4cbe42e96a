// Package objectstore_test tests the NATS-backed voice model store.
package objectstore_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/voiceprep-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestVoiceStore_UploadFetchToFile(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-voices")
	require.NoError(t, err)

	ctx := context.Background()
	key := "ar_JO-kareem-medium.onnx"
	modelBytes := []byte("pretend this is sixty megabytes of onnx")

	err = store.Upload(ctx, key, bytes.NewReader(modelBytes))
	require.NoError(t, err)

	destPath := filepath.Join(t.TempDir(), "models", key)

	err = store.FetchToFile(ctx, key, destPath)
	require.NoError(t, err)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, modelBytes, data)
}

func TestVoiceStore_FetchMissingObject(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-voices-missing")
	require.NoError(t, err)

	destPath := filepath.Join(t.TempDir(), "nope.onnx")

	err = store.FetchToFile(context.Background(), "nope.onnx", destPath)
	require.Error(t, err)

	_, statErr := os.Stat(destPath)
	require.True(t, os.IsNotExist(statErr))
}
