// main package for the voiceprep-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voiceprep-service/internal/config"
	"github.com/book-expert/voiceprep-service/internal/core"
	"github.com/book-expert/voiceprep-service/internal/fetch"
	"github.com/book-expert/voiceprep-service/internal/objectstore"
	"github.com/book-expert/voiceprep-service/internal/pipeline"
	"github.com/book-expert/voiceprep-service/internal/voiceutils"
	"github.com/book-expert/voiceprep-service/internal/worker"
)

const defaultFetchTimeout = 10 * time.Minute

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "voiceprep-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve runs the startup preparation pass for every configured voice, then
// (when NATS is configured) keeps serving on-demand prepare requests until
// the context is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	dirErr := voiceutils.EnsureDir(cfg.ModelsDir())
	if dirErr != nil {
		return dirErr
	}

	natsConnection, fetcher, err := connectSources(cfg, log)
	if err != nil {
		return err
	}

	if natsConnection != nil {
		defer natsConnection.Close()
	}

	preparer := pipeline.New(fetcher, log)

	// Every voice is prepared once per startup; the pipeline is idempotent,
	// so this is cheap once the on-disk state has converged.
	reportStartupResults(log, preparer.PrepareAll(ctx, cfg.Assets()))

	if natsConnection == nil || cfg.NATS.VoicePrepareSubject == "" {
		log.System("No NATS prepare subject configured; startup pass complete, exiting.")

		return nil
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.VoicePrepareSubject,
		cfg.ModelsDir(),
		preparer,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System(
		"Voiceprep-Service initialized. Listening for prepare requests on subject: %s",
		cfg.NATS.VoicePrepareSubject,
	)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker exited with error: %w", runErr)
	}

	return nil
}

// connectSources wires the model fetcher: an HTTP voice repository when
// configured, otherwise the NATS object store bucket, otherwise none (assets
// must already be on disk).
func connectSources(
	cfg *config.Config,
	log *logger.Logger,
) (*nats.Conn, core.ModelFetcher, error) {
	var natsConnection *nats.Conn

	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		natsConnection = conn
	}

	if cfg.Fetch.BaseURL != "" {
		timeout := defaultFetchTimeout
		if cfg.Fetch.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
		}

		log.Info("Using HTTP voice repository at %s", cfg.Fetch.BaseURL)

		return natsConnection, fetch.NewHTTPFetcher(cfg.Fetch.BaseURL, timeout), nil
	}

	if natsConnection != nil && cfg.NATS.VoiceObjectStoreBucket != "" {
		jetstreamContext, err := natsConnection.JetStream()
		if err != nil {
			natsConnection.Close()

			return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}

		store, err := objectstore.New(jetstreamContext, cfg.NATS.VoiceObjectStoreBucket)
		if err != nil {
			natsConnection.Close()

			return nil, nil, err
		}

		log.Info("Using NATS object store bucket %s", cfg.NATS.VoiceObjectStoreBucket)

		return natsConnection, store, nil
	}

	log.Warn("No voice source configured; missing models cannot be re-acquired.")

	return natsConnection, nil, nil
}

// reportStartupResults logs the terminal state of every asset so operators
// can tell which voice failed at which stage. A failed voice never blocks the
// others.
func reportStartupResults(log *logger.Logger, results []pipeline.Result) {
	for _, result := range results {
		if result.Succeeded() {
			log.Info(
				"Voice '%s' ready (stage %s, outcome %s)",
				result.Asset.Name,
				result.Stage,
				result.Outcome.Kind,
			)

			continue
		}

		log.Error(
			"Voice '%s' is not usable: stage %s failed: %v",
			result.Asset.Name,
			result.Stage,
			result.Err,
		)
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
