// Package worker provides a NATS worker that prepares voice assets on demand.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voiceprep-service/internal/core"
	"github.com/book-expert/voiceprep-service/internal/pipeline"
	"github.com/book-expert/voiceprep-service/internal/voiceutils"
)

const handleMessageTimeout = 60 * time.Second

// Descriptor side-car naming convention: the JSON file sits beside the model
// under the model's own name plus this suffix.
const descriptorSuffix = ".json"

var (
	// ErrVoiceNameEmpty indicates that the request names no voice.
	ErrVoiceNameEmpty = errors.New("voice name cannot be empty")
	// ErrModelKeyEmpty indicates that the request carries no model key.
	ErrModelKeyEmpty = errors.New("model key cannot be empty")
	// ErrUnsafeKey indicates a key that would escape the models directory.
	ErrUnsafeKey = errors.New("key must be a plain file name")
)

// VoicePrepareRequestedEvent asks the service to prepare one voice asset.
// The keys name the raw files in the configured voice repository; the
// descriptor key defaults to the model key plus ".json" when empty.
type VoicePrepareRequestedEvent struct {
	Header    events.EventHeader `json:"header"`
	VoiceName string             `json:"voice_name"`
	ModelKey  string             `json:"model_key"`
	ConfigKey string             `json:"config_key,omitempty"`
}

// VoiceAssetPreparedEvent reports the terminal state of one preparation run.
type VoiceAssetPreparedEvent struct {
	Header        events.EventHeader `json:"header"`
	VoiceName     string             `json:"voice_name"`
	Stage         string             `json:"stage"`
	Outcome       string             `json:"outcome"`
	BytesAppended int64              `json:"bytes_appended"`
	Tokens        int                `json:"tokens"`
	Ok            bool               `json:"ok"`
	Error         string             `json:"error,omitempty"`
}

// AssetPreparer runs the preparation pipeline for one asset. It is satisfied
// by *pipeline.Preparer and by mocks in tests.
type AssetPreparer interface {
	Prepare(ctx context.Context, asset core.VoiceAsset) pipeline.Result
}

// NatsWorker listens for voice preparation requests on a NATS subject and
// runs the pipeline for each.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	modelsDir      string
	preparer       AssetPreparer
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Prepared files land
// in modelsDir, named after the request's object keys.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	modelsDir string,
	preparer AssetPreparer,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		modelsDir:      modelsDir,
		preparer:       preparer,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate prepare request: %v", err)

		return
	}

	result := w.preparer.Prepare(ctx, w.assetFromEvent(event))

	replyErr := w.publishReplyEvent(msg, buildReply(event, result))
	if replyErr != nil {
		w.log.Error(
			"Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID,
			replyErr,
		)
	}
}

// assetFromEvent maps a request onto local paths under the models directory.
// Keys are reduced to sanitized base names so a request can never address
// files outside modelsDir.
func (w *NatsWorker) assetFromEvent(event *VoicePrepareRequestedEvent) core.VoiceAsset {
	configKey := event.ConfigKey
	if configKey == "" {
		configKey = event.ModelKey + descriptorSuffix
	}

	modelFile := voiceutils.SanitizeFilename(filepath.Base(event.ModelKey))
	configFile := voiceutils.SanitizeFilename(filepath.Base(configKey))

	return core.VoiceAsset{
		Name:       event.VoiceName,
		ModelPath:  filepath.Join(w.modelsDir, modelFile),
		ConfigPath: filepath.Join(w.modelsDir, configFile),
		ModelKey:   event.ModelKey,
		ConfigKey:  configKey,
	}
}

func buildReply(
	event *VoicePrepareRequestedEvent,
	result pipeline.Result,
) *VoiceAssetPreparedEvent {
	reply := &VoiceAssetPreparedEvent{
		Header:        event.Header,
		VoiceName:     event.VoiceName,
		Stage:         string(result.Stage),
		Outcome:       result.Outcome.Kind.String(),
		BytesAppended: result.Outcome.BytesAppended,
		Tokens:        result.Tokens,
		Ok:            result.Succeeded(),
		Error:         "",
	}

	reply.Header.EventID = uuid.NewString()
	reply.Header.Timestamp = time.Now()

	if result.Err != nil {
		reply.Error = result.Err.Error()
	}

	return reply
}

// publishReplyEvent marshals and responds with the VoiceAssetPreparedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *VoiceAssetPreparedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*VoicePrepareRequestedEvent, error) {
	var event VoicePrepareRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	validationErr := validateEvent(&event)
	if validationErr != nil {
		return nil, validationErr
	}

	return &event, nil
}

// validateEvent ensures the request addresses a plain voice package and
// cannot traverse outside the models directory.
func validateEvent(event *VoicePrepareRequestedEvent) error {
	if event.VoiceName == "" {
		return ErrVoiceNameEmpty
	}

	if event.ModelKey == "" {
		return ErrModelKeyEmpty
	}

	for _, key := range []string{event.ModelKey, event.ConfigKey} {
		if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
			return fmt.Errorf("%w: %q", ErrUnsafeKey, key)
		}
	}

	return nil
}
