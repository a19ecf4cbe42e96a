package patch

import (
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceprep-service/internal/onnxmeta"
	"github.com/book-expert/voiceprep-service/internal/vocab"
)

// Metadata record keys, in the fixed order the engine expects to find them.
const (
	metadataKeySampleRate = "sample_rate"
	metadataKeySpeakers   = "n_speakers"
	metadataKeyLanguage   = "language"
	metadataKeyVoice      = "voice"
	metadataKeyComment    = "comment"
	metadataKeyAddBlank   = "add_blank"
)

// Constant record values.
const (
	metadataComment  = "piper"
	metadataAddBlank = "1"
)

// Error message constants.
const (
	errMsgModelMissing     = "model binary is missing"
	errFmtReadDescriptor   = "failed to read descriptor %s: %w"
	errFmtStatBinary       = "failed to stat binary %s: %w"
	errFmtOpenBinary       = "failed to open binary %s for append: %w"
	errFmtAppendBinary     = "failed to append metadata to %s: %w"
	errFmtTruncateBinary   = "failed to restore %s to pre-patch length after marker failure: %w"
	errFmtMarkerAfterWrite = "marker write failed after append: %w"
)

// Log and status format constants.
const (
	logFmtApplied        = "Patched %s: appended %d bytes of metadata (schema v%d)"
	logFmtInjectFailed   = "Metadata injection failed for %s: %v"
	statusFmtApplied     = "applied: appended %d bytes (schema v%d, pre-patch %d bytes)"
	statusFmtFailed      = "failed: %v"
	reasonAlreadyPatched = "already patched"
)

// ErrModelMissing indicates injection was requested for a binary path that no
// longer exists; re-acquisition is the orchestrator's job.
var ErrModelMissing = errors.New(errMsgModelMissing)

// OutcomeKind enumerates the possible results of one injection attempt.
type OutcomeKind int

const (
	// OutcomeSkipped means the binary already carries a current-version
	// marker and was not touched.
	OutcomeSkipped OutcomeKind = iota
	// OutcomeApplied means metadata was appended and the marker written.
	OutcomeApplied
	// OutcomeReset means a legacy marker was found; the binary was
	// discarded and must be re-acquired.
	OutcomeReset
	// OutcomeFailed means injection failed; the binary was left unmarked
	// (and unmodified) so the next run retries from scratch.
	OutcomeFailed
)

// String returns the outcome name for logs and worker replies.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeApplied:
		return "applied"
	case OutcomeReset:
		return "reset"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome reports the result of one injection attempt. Err is set only for
// OutcomeFailed; BytesAppended only for OutcomeApplied.
type Outcome struct {
	Kind          OutcomeKind
	Reason        string
	BytesAppended int64
	Err           error
}

// Injector appends the engine's required metadata records to pristine voice
// model binaries, exactly once per binary per schema version.
type Injector struct {
	log        *logger.Logger
	reconciler *Reconciler
}

// NewInjector creates an Injector that reports through the given logger.
func NewInjector(log *logger.Logger) *Injector {
	return &Injector{
		log:        log,
		reconciler: NewReconciler(log),
	}
}

// MetadataEntries derives the fixed, ordered record set for a descriptor.
// The language and voice records both carry the resolved voice identifier.
func MetadataEntries(cfg *vocab.VoiceConfig) []onnxmeta.Entry {
	voiceID := cfg.VoiceID()

	return []onnxmeta.Entry{
		{Key: metadataKeySampleRate, Value: fmt.Sprintf("%d", cfg.Audio.SampleRate)},
		{Key: metadataKeySpeakers, Value: fmt.Sprintf("%d", cfg.SpeakerCount())},
		{Key: metadataKeyLanguage, Value: voiceID},
		{Key: metadataKeyVoice, Value: voiceID},
		{Key: metadataKeyComment, Value: metadataComment},
		{Key: metadataKeyAddBlank, Value: metadataAddBlank},
	}
}

// Inject runs the marker-gated injection state machine for the binary at
// binaryPath, reading the JSON descriptor at configPath. Checked in priority
// order:
//
//  1. A current-version marker exists: Skipped, no I/O on the binary.
//  2. Any legacy-version marker exists: the binary and stale markers are
//     deleted and Reset is returned; the caller must re-acquire the file.
//  3. Otherwise the descriptor is parsed, the metadata records are appended
//     to the binary, and the current-version marker is written: Applied.
//
// Failures during step 3 leave the binary unmarked and unmodified — nothing
// is appended until all parsing has succeeded — so the next run retries the
// pristine branch. The failure is recorded in the binary's status log.
func (i *Injector) Inject(binaryPath, configPath string) Outcome {
	state, err := InspectMarkers(binaryPath)
	if err != nil {
		return i.fail(binaryPath, err)
	}

	switch state.Kind {
	case MarkerCurrent:
		return Outcome{
			Kind:          OutcomeSkipped,
			Reason:        reasonAlreadyPatched,
			BytesAppended: 0,
			Err:           nil,
		}
	case MarkerLegacy:
		resetErr := i.reconciler.reset(binaryPath, state.LegacyVersions)
		if resetErr != nil {
			return i.fail(binaryPath, resetErr)
		}

		return Outcome{
			Kind:          OutcomeReset,
			Reason:        fmt.Sprintf(statusFmtLegacyReset, state.LegacyVersions),
			BytesAppended: 0,
			Err:           nil,
		}
	case MarkerNone:
	}

	return i.apply(binaryPath, configPath)
}

// apply is step 3 of the state machine: parse everything first, then append.
func (i *Injector) apply(binaryPath, configPath string) Outcome {
	info, err := os.Stat(binaryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return i.fail(binaryPath, fmt.Errorf("%w: %s", ErrModelMissing, binaryPath))
		}

		return i.fail(binaryPath, fmt.Errorf(errFmtStatBinary, binaryPath, err))
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return i.fail(binaryPath, fmt.Errorf(errFmtReadDescriptor, configPath, err))
	}

	cfg, err := vocab.ParseVoiceConfig(data)
	if err != nil {
		return i.fail(binaryPath, err)
	}

	prePatchBytes := info.Size()
	encoded := onnxmeta.EncodeEntries(MetadataEntries(cfg))

	appendErr := appendToBinary(binaryPath, encoded)
	if appendErr != nil {
		return i.fail(binaryPath, appendErr)
	}

	markerErr := writeMarker(binaryPath, prePatchBytes)
	if markerErr != nil {
		// An appended binary without a marker would be re-appended on
		// the next run; restore the pre-patch length before failing.
		truncateErr := os.Truncate(binaryPath, prePatchBytes)
		if truncateErr != nil {
			markerErr = errors.Join(
				markerErr,
				fmt.Errorf(errFmtTruncateBinary, binaryPath, truncateErr),
			)
		}

		return i.fail(binaryPath, fmt.Errorf(errFmtMarkerAfterWrite, markerErr))
	}

	bytesAppended := int64(len(encoded))

	statusErr := appendStatusLine(binaryPath, fmt.Sprintf(
		statusFmtApplied, bytesAppended, CurrentSchemaVersion, prePatchBytes,
	))
	if statusErr != nil {
		i.log.Warn(statusMsgStatusLogWarn, binaryPath, statusErr)
	}

	i.log.Info(logFmtApplied, binaryPath, bytesAppended, CurrentSchemaVersion)

	return Outcome{
		Kind:          OutcomeApplied,
		Reason:        "",
		BytesAppended: bytesAppended,
		Err:           nil,
	}
}

// fail records the failure in the status log and wraps it in an Outcome. The
// binary itself is never deleted on failure, to avoid destructive loops.
func (i *Injector) fail(binaryPath string, err error) Outcome {
	statusErr := appendStatusLine(binaryPath, fmt.Sprintf(statusFmtFailed, err))
	if statusErr != nil {
		i.log.Warn(statusMsgStatusLogWarn, binaryPath, statusErr)
	}

	i.log.Error(logFmtInjectFailed, binaryPath, err)

	return Outcome{Kind: OutcomeFailed, Reason: "", BytesAppended: 0, Err: err}
}

func appendToBinary(binaryPath string, encoded []byte) error {
	file, err := os.OpenFile(binaryPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf(errFmtOpenBinary, binaryPath, err)
	}

	_, writeErr := file.Write(encoded)
	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf(errFmtAppendBinary, binaryPath, writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf(errFmtAppendBinary, binaryPath, closeErr)
	}

	return nil
}
