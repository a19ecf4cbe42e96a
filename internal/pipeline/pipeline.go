// Package pipeline orchestrates the per-asset preparation steps that turn a
// downloaded voice package into the artifacts the inference engine loads:
// reconcile the binary's patch state, re-acquire it if needed, derive the
// token table from the JSON descriptor, and inject the metadata records.
//
// The three steps are strictly sequential for a given asset; distinct assets
// are independent and are processed concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/voiceprep-service/internal/core"
	"github.com/book-expert/voiceprep-service/internal/patch"
	"github.com/book-expert/voiceprep-service/internal/vocab"
	"github.com/book-expert/voiceprep-service/internal/voiceutils"
)

// Stage names the pipeline step a Result refers to.
type Stage string

// Pipeline stages, in execution order.
const (
	StageReconcile  Stage = "reconcile"
	StageFetch      Stage = "fetch"
	StageVocabulary Stage = "vocabulary"
	StageInject     Stage = "inject"
)

// Error messages.
const (
	errMsgNoFetcher = "model is absent and no fetcher is configured"
)

// Log format constants.
const (
	logFmtPreparing      = "Preparing voice asset '%s' (model: %s)"
	logFmtFetching       = "Fetching '%s' for voice asset '%s'"
	logFmtTokensWritten  = "Wrote %d tokens for voice asset '%s' to %s"
	logFmtPrepared       = "Voice asset '%s' ready: %s (%s of metadata appended)"
	logFmtPrepareSkipped = "Voice asset '%s' already prepared"
	logFmtPrepareFailed  = "Voice asset '%s' failed at stage %s: %v"
)

// ErrNoFetcher indicates a binary had to be (re-)acquired but the Preparer
// was built without a ModelFetcher.
var ErrNoFetcher = errors.New(errMsgNoFetcher)

// Result reports the terminal state of one asset's preparation pass. Err is
// nil on success; Stage names the step that produced the terminal state.
type Result struct {
	Asset   core.VoiceAsset
	Stage   Stage
	Action  patch.Action
	Outcome patch.Outcome
	Tokens  int
	Err     error
}

// Succeeded reports whether the asset reached a usable state in this pass.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Preparer runs the preparation pipeline. The fetcher is optional; without
// one, assets whose binary is missing or was reset fail at StageFetch and
// re-acquisition is deferred to the operator.
type Preparer struct {
	fetcher    core.ModelFetcher
	reconciler *patch.Reconciler
	injector   *patch.Injector
	log        *logger.Logger
}

// New creates a Preparer. fetcher may be nil.
func New(fetcher core.ModelFetcher, log *logger.Logger) *Preparer {
	return &Preparer{
		fetcher:    fetcher,
		reconciler: patch.NewReconciler(log),
		injector:   patch.NewInjector(log),
		log:        log,
	}
}

// Prepare runs the full pipeline for one asset: Reconciler, then (when the
// binary is missing or was reset) re-acquisition, then the Vocabulary
// Extractor and the Metadata Injector, in that order. Failures are captured
// in the Result rather than propagated, so the caller always learns which
// stage failed for which voice.
func (p *Preparer) Prepare(ctx context.Context, asset core.VoiceAsset) Result {
	p.log.Info(logFmtPreparing, asset.Name, asset.ModelPath)

	action, err := p.reconciler.Reconcile(asset.ModelPath)
	if err != nil {
		return p.failed(asset, StageReconcile, action, err)
	}

	if action == patch.ActionMissing || action == patch.ActionReset {
		fetchErr := p.fetchAsset(ctx, asset)
		if fetchErr != nil {
			return p.failed(asset, StageFetch, action, fetchErr)
		}
	}

	tokens, vocabErr := p.extractTokens(asset)
	if vocabErr != nil {
		return p.failed(asset, StageVocabulary, action, vocabErr)
	}

	p.log.Info(logFmtTokensWritten, tokens, asset.Name, asset.TokensPath())

	outcome := p.injector.Inject(asset.ModelPath, asset.ConfigPath)
	if outcome.Kind == patch.OutcomeFailed {
		result := p.failed(asset, StageInject, action, outcome.Err)
		result.Outcome = outcome

		return result
	}

	p.logOutcome(asset, outcome)

	return Result{
		Asset:   asset,
		Stage:   StageInject,
		Action:  action,
		Outcome: outcome,
		Tokens:  tokens,
		Err:     nil,
	}
}

// PrepareAll prepares every asset, one goroutine per asset. Per-asset
// failures are reported in the returned slice, never as a group abort; the
// slice order matches the input order.
func (p *Preparer) PrepareAll(ctx context.Context, assets []core.VoiceAsset) []Result {
	results := make([]Result, len(assets))

	group, groupCtx := errgroup.WithContext(ctx)

	for index, asset := range assets {
		group.Go(func() error {
			results[index] = p.Prepare(groupCtx, asset)

			return nil
		})
	}

	// The group never returns an error: failures live in the results.
	_ = group.Wait()

	return results
}

// fetchAsset re-acquires the model binary, and the descriptor when it is
// absent, so both come from the same package snapshot.
func (p *Preparer) fetchAsset(ctx context.Context, asset core.VoiceAsset) error {
	if p.fetcher == nil {
		return ErrNoFetcher
	}

	p.log.Info(logFmtFetching, asset.ModelKey, asset.Name)

	err := p.fetcher.FetchToFile(ctx, asset.ModelKey, asset.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to fetch model for '%s': %w", asset.Name, err)
	}

	_, statErr := os.Stat(asset.ConfigPath)
	if os.IsNotExist(statErr) {
		p.log.Info(logFmtFetching, asset.ConfigKey, asset.Name)

		err = p.fetcher.FetchToFile(ctx, asset.ConfigKey, asset.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to fetch descriptor for '%s': %w", asset.Name, err)
		}
	}

	return nil
}

// extractTokens derives and rewrites the asset's token table from the
// descriptor currently on disk.
func (p *Preparer) extractTokens(asset core.VoiceAsset) (int, error) {
	data, err := os.ReadFile(asset.ConfigPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read descriptor %s: %w", asset.ConfigPath, err)
	}

	cfg, err := vocab.ParseVoiceConfig(data)
	if err != nil {
		return 0, err
	}

	tokens, err := vocab.DeriveTokenTable(cfg)
	if err != nil {
		return 0, err
	}

	err = vocab.WriteTokenTable(asset.TokensPath(), tokens)
	if err != nil {
		return 0, err
	}

	return len(tokens), nil
}

func (p *Preparer) failed(
	asset core.VoiceAsset,
	stage Stage,
	action patch.Action,
	err error,
) Result {
	p.log.Error(logFmtPrepareFailed, asset.Name, stage, err)

	return Result{
		Asset:   asset,
		Stage:   stage,
		Action:  action,
		Outcome: patch.Outcome{Kind: patch.OutcomeFailed, Reason: "", BytesAppended: 0, Err: err},
		Tokens:  0,
		Err:     err,
	}
}

func (p *Preparer) logOutcome(asset core.VoiceAsset, outcome patch.Outcome) {
	if outcome.Kind == patch.OutcomeSkipped {
		p.log.Info(logFmtPrepareSkipped, asset.Name)

		return
	}

	p.log.Info(
		logFmtPrepared,
		asset.Name,
		outcome.Kind,
		voiceutils.FormatFileSize(outcome.BytesAppended),
	)
}
