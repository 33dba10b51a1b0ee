package release

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

// Downloader retrieves a release artifact into the staging dir and
// verifies it before handing the path back. It never writes to the final
// install path; promotion is the orchestrator's atomic rename.
type Downloader struct {
	stagingDir string
	binaryName string
	http       *retryablehttp.Client
	logger     *slog.Logger
}

// NewDownloader returns a Downloader staging into stagingDir. When the
// fetched asset is a zip archive, the entry named binaryName is
// extracted; otherwise the asset itself is taken as the binary.
func NewDownloader(stagingDir, binaryName string, timeout time.Duration, logger *slog.Logger) *Downloader {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	return &Downloader{
		stagingDir: stagingDir,
		binaryName: binaryName,
		http:       client,
		logger:     logger,
	}
}

// Fetch downloads rel's asset, extracts the agent binary if needed and
// verifies it. Re-entrant: a leftover staged file from a prior run is
// simply overwritten. Returns the staged binary path.
func (d *Downloader) Fetch(ctx context.Context, rel *Release) (string, error) {
	if err := os.MkdirAll(d.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	assetPath := filepath.Join(d.stagingDir, path.Base(rel.AssetURL))
	if err := d.download(ctx, rel.AssetURL, assetPath); err != nil {
		return "", err
	}

	staged := filepath.Join(d.stagingDir, d.binaryName)
	if strings.HasSuffix(assetPath, ".zip") {
		if err := d.extractBinary(assetPath, staged); err != nil {
			os.Remove(assetPath)
			return "", err
		}
		os.Remove(assetPath)
	} else if assetPath != staged {
		if err := os.Rename(assetPath, staged); err != nil {
			return "", fmt.Errorf("move staged binary: %w", err)
		}
	}

	if err := verifyExecutable(staged); err != nil {
		os.Remove(staged)
		return "", err
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		return "", fmt.Errorf("chmod staged binary: %w", err)
	}

	d.logger.Info("staged agent binary", "version", rel.Version.String(), "path", staged)
	return staged, nil
}

func (d *Downloader) download(ctx context.Context, url, dest string) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	resp, err := d.http.Do(req)
	if err != nil {
		return dmerr.Wrapf(dmerr.ErrNetworkUnavailable, "download %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return dmerr.Wrapf(dmerr.ErrNotFound, "asset %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return dmerr.Wrapf(dmerr.ErrNetworkUnavailable, "download %s: %v", url, err)
	}
	return f.Close()
}

// extractBinary pulls the agent executable out of a zip asset.
func (d *Downloader) extractBinary(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "open archive %s: %v", archivePath, err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if path.Base(entry.Name) != d.binaryName {
			continue
		}
		src, err := entry.Open()
		if err != nil {
			return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "open archive entry %s: %v", entry.Name, err)
		}
		defer src.Close()

		out, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			os.Remove(dest)
			return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "extract %s: %v", entry.Name, err)
		}
		return out.Close()
	}
	return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "archive has no entry named %s", d.binaryName)
}

var executableMagics = [][]byte{
	{0x7f, 'E', 'L', 'F'}, // ELF
	{'M', 'Z'},            // PE, for cross-staged Windows assets
}

// verifyExecutable checks the staged file is non-empty and starts with a
// known executable signature. A truncated or HTML-error-page download
// must never be promoted to the install path.
func verifyExecutable(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil || n == 0 {
		return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "staged file %s is empty", p)
	}
	for _, magic := range executableMagics {
		if n >= len(magic) && bytes.Equal(header[:len(magic)], magic) {
			return nil
		}
	}
	return dmerr.Wrapf(dmerr.ErrCorruptArtifact, "staged file %s is not an executable", p)
}
