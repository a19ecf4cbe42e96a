package patch

import (
	"fmt"
	"os"

	"github.com/book-expert/logger"
)

// Action is the result of reconciling a binary's on-disk patch state.
type Action int

const (
	// ActionMissing means the binary is absent and must be re-acquired
	// before the pipeline can run.
	ActionMissing Action = iota
	// ActionPristine means the binary exists and has never been patched.
	ActionPristine
	// ActionPrepared means the binary carries a current-version marker and
	// needs no further work.
	ActionPrepared
	// ActionReset means a legacy-version marker was found; the binary and
	// the stale markers have been deleted and the file must be re-acquired.
	ActionReset
)

// String returns the action name for logs and worker replies.
func (a Action) String() string {
	switch a {
	case ActionMissing:
		return "missing"
	case ActionPristine:
		return "pristine"
	case ActionPrepared:
		return "prepared"
	case ActionReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Error message and log format constants.
const (
	errFmtRemoveBinary = "failed to remove binary %s: %w"
	errFmtRemoveMarker = "failed to remove legacy marker %s: %w"

	logFmtLegacyReset      = "Reset %s: legacy schema versions %v detected, binary discarded for re-download"
	logFmtStaleMarker      = "Removed stale marker for missing binary %s"
	statusFmtLegacyReset   = "reset: legacy schema versions %v detected; binary discarded for re-download"
	statusMsgStatusLogWarn = "Failed to append status log for %s: %v"
)

// Reconciler inspects marker and log files to decide whether a binary asset
// is fresh, already correctly patched, or stale from an older pipeline
// version, and drives deletion accordingly. It never touches the network or
// the inference engine, and never hashes binary content.
type Reconciler struct {
	log *logger.Logger
}

// NewReconciler creates a Reconciler that reports through the given logger.
func NewReconciler(log *logger.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// Reconcile determines the state of the binary at binaryPath from file
// existence alone. When a legacy marker is found it deletes the binary and
// every stale marker, records the reset in the status log, and returns
// ActionReset; re-acquisition is left to the caller.
func (r *Reconciler) Reconcile(binaryPath string) (Action, error) {
	state, err := InspectMarkers(binaryPath)
	if err != nil {
		return ActionMissing, err
	}

	if state.Kind == MarkerLegacy {
		resetErr := r.reset(binaryPath, state.LegacyVersions)
		if resetErr != nil {
			return ActionMissing, resetErr
		}

		return ActionReset, nil
	}

	binaryExists, err := fileExists(binaryPath)
	if err != nil {
		return ActionMissing, err
	}

	if !binaryExists {
		// A current marker without its binary is stale; drop it so the
		// re-acquired copy is treated as pristine.
		if state.Kind == MarkerCurrent {
			removeErr := os.Remove(MarkerPath(binaryPath, CurrentSchemaVersion))
			if removeErr != nil && !os.IsNotExist(removeErr) {
				return ActionMissing, fmt.Errorf(
					errFmtRemoveMarker,
					MarkerPath(binaryPath, CurrentSchemaVersion),
					removeErr,
				)
			}

			r.log.Warn(logFmtStaleMarker, binaryPath)
		}

		return ActionMissing, nil
	}

	if state.Kind == MarkerCurrent {
		return ActionPrepared, nil
	}

	return ActionPristine, nil
}

// reset discards a binary patched by a superseded pipeline version together
// with its stale markers. The metadata records are append-only, so the only
// safe recovery is deleting the file and letting the caller fetch a pristine
// copy.
func (r *Reconciler) reset(binaryPath string, legacyVersions []int) error {
	removeErr := os.Remove(binaryPath)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf(errFmtRemoveBinary, binaryPath, removeErr)
	}

	for _, version := range legacyVersions {
		markerPath := MarkerPath(binaryPath, version)

		removeErr = os.Remove(markerPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf(errFmtRemoveMarker, markerPath, removeErr)
		}
	}

	statusErr := appendStatusLine(
		binaryPath,
		fmt.Sprintf(statusFmtLegacyReset, legacyVersions),
	)
	if statusErr != nil {
		r.log.Warn(statusMsgStatusLogWarn, binaryPath, statusErr)
	}

	r.log.Info(logFmtLegacyReset, binaryPath, legacyVersions)

	return nil
}
