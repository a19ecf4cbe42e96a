// Package fetch acquires raw voice model files over HTTP so the preparation
// pipeline can (re-)run on a pristine copy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/voiceprep-service/internal/voiceutils"
)

// Error messages.
const (
	errMsgKeyCannotBeEmpty  = "fetch key cannot be empty"
	errMsgEmptyResponseBody = "received empty file body"
	errFmtNonOKStatus       = "voice repository returned non-OK status for %s: %s"
	errFmtLengthMismatch    = "short download for %s: got %d bytes, want %d"
	errFmtCreateRequest     = "failed to create request for %s: %w"
	errFmtSendRequest       = "failed to fetch %s from %s: %w"
	errFmtCreateTemp        = "failed to create temp download file in %s: %w"
	errFmtWriteTemp         = "failed to write download %s: %w"
	errFmtRenameTemp        = "failed to move download into place at %s: %w"
)

// Static errors.
var (
	// ErrKeyEmpty indicates a fetch was requested without an object key.
	ErrKeyEmpty = errors.New(errMsgKeyCannotBeEmpty)
	// ErrEmptyBody indicates the repository returned a zero-byte file.
	ErrEmptyBody = errors.New(errMsgEmptyResponseBody)
)

// HTTPFetcher downloads voice files from an HTTP repository (for example a
// HuggingFace-style file tree). It implements core.ModelFetcher.
type HTTPFetcher struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPFetcher creates a fetcher rooted at baseURL. The timeout applies to
// each download as a whole.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchToFile downloads the object named by key to destPath. The body is
// streamed into a temporary file beside the destination and renamed into
// place only after the full body arrived, so a failed download never leaves a
// partial file at destPath.
func (f *HTTPFetcher) FetchToFile(ctx context.Context, key, destPath string) error {
	if key == "" {
		return ErrKeyEmpty
	}

	url := f.baseURL + "/" + strings.TrimLeft(key, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf(errFmtCreateRequest, url, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(errFmtSendRequest, key, f.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtNonOKStatus, key, resp.Status)
	}

	return writeBodyToFile(resp, key, destPath)
}

func writeBodyToFile(resp *http.Response, key, destPath string) error {
	destDir := filepath.Dir(destPath)

	dirErr := voiceutils.EnsureDir(destDir)
	if dirErr != nil {
		return dirErr
	}

	tempFile, err := os.CreateTemp(destDir, filepath.Base(destPath)+".download-*")
	if err != nil {
		return fmt.Errorf(errFmtCreateTemp, destDir, err)
	}

	written, copyErr := io.Copy(tempFile, resp.Body)
	closeErr := tempFile.Close()

	cleanupErr := validateDownload(resp, key, written, copyErr, closeErr)
	if cleanupErr != nil {
		_ = os.Remove(tempFile.Name())

		return cleanupErr
	}

	renameErr := os.Rename(tempFile.Name(), destPath)
	if renameErr != nil {
		_ = os.Remove(tempFile.Name())

		return fmt.Errorf(errFmtRenameTemp, destPath, renameErr)
	}

	return nil
}

func validateDownload(
	resp *http.Response,
	key string,
	written int64,
	copyErr, closeErr error,
) error {
	if copyErr != nil {
		return fmt.Errorf(errFmtWriteTemp, key, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf(errFmtWriteTemp, key, closeErr)
	}

	if written == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyBody, key)
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf(errFmtLengthMismatch, key, written, resp.ContentLength)
	}

	return nil
}
