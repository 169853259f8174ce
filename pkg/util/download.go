package util

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/mensylisir/testxm/pkg/logger"
)

// DownloadFile fetches url into dest, creating parent directories. A progress
// bar is drawn on stderr unless quiet is set. The partial file is removed on
// failure.
func DownloadFile(ctx context.Context, url, dest string, quiet bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory '%s': %w", filepath.Dir(dest), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	logger.Get().Infof("Downloading %s ...", url)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status code %d from url %s", resp.StatusCode, url)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file '%s': %w", dest, err)
	}
	defer out.Close()

	var sink io.Writer = out
	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription(fmt.Sprintf("Downloading %s", filepath.Base(dest))),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
		)
		sink = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		if bar != nil {
			bar.Clear()
		}
		os.Remove(dest)
		return fmt.Errorf("failed to write to destination file '%s': %w", dest, err)
	}
	if bar != nil {
		bar.Finish()
	}

	logger.Get().Debugf("Successfully downloaded to %s", dest)
	return nil
}

// VerifySHA256 compares the file's checksum against expected. An empty
// expected checksum passes.
func VerifySHA256(path, expected string) error {
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file '%s' for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to calculate checksum for '%s': %w", path, err)
	}

	calculated := fmt.Sprintf("%x", h.Sum(nil))
	if calculated != expected {
		return fmt.Errorf("checksum mismatch for '%s': expected %s, got %s", path, expected, calculated)
	}
	return nil
}
