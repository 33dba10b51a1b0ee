package release

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

var elfStub = append([]byte{0x7f, 'E', 'L', 'F'}, []byte("stub binary contents")...)

func zipWithEntry(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	assert.NilError(t, err)
	_, err = w.Write(content)
	assert.NilError(t, err)
	assert.NilError(t, zw.Close())
	return buf.Bytes()
}

func testRelease(url string) *Release {
	return &Release{
		Version:  domain.MustParseVersion("1.0.0"),
		Tag:      "v1.0.0",
		AssetURL: url,
	}
}

func TestFetchExtractsBinaryFromZip(t *testing.T) {
	archive := zipWithEntry(t, "hostwatch-agent_linux_amd64/hostwatch-agent", elfStub)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	staging := t.TempDir()
	d := NewDownloader(staging, "hostwatch-agent", 10*time.Second, testLogger())

	staged, err := d.Fetch(context.Background(), testRelease(srv.URL+"/agent.zip"))
	assert.NilError(t, err)
	assert.Equal(t, filepath.Join(staging, "hostwatch-agent"), staged)

	data, err := os.ReadFile(staged)
	assert.NilError(t, err)
	assert.DeepEqual(t, elfStub, data)

	info, err := os.Stat(staged)
	assert.NilError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestFetchPlainAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(elfStub)
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), "hostwatch-agent", 10*time.Second, testLogger())
	staged, err := d.Fetch(context.Background(), testRelease(srv.URL+"/hostwatch-manager_linux_amd64"))
	assert.NilError(t, err)

	data, err := os.ReadFile(staged)
	assert.NilError(t, err)
	assert.DeepEqual(t, elfStub, data)
}

func TestFetchRejectsNonExecutable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An error page saved as the asset must never pass verification.
		w.Write([]byte("<html>not a binary</html>"))
	}))
	defer srv.Close()

	staging := t.TempDir()
	d := NewDownloader(staging, "hostwatch-agent", 10*time.Second, testLogger())

	_, err := d.Fetch(context.Background(), testRelease(srv.URL+"/agent"))
	assert.Assert(t, errors.Is(err, dmerr.ErrCorruptArtifact))

	// The corrupt staged file is removed, not left for promotion.
	_, statErr := os.Stat(filepath.Join(staging, "hostwatch-agent"))
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestFetchRejectsArchiveWithoutBinary(t *testing.T) {
	archive := zipWithEntry(t, "README.md", []byte("docs only"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), "hostwatch-agent", 10*time.Second, testLogger())
	_, err := d.Fetch(context.Background(), testRelease(srv.URL+"/agent.zip"))
	assert.Assert(t, errors.Is(err, dmerr.ErrCorruptArtifact))
}

func TestFetchMissingAssetIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), "hostwatch-agent", 10*time.Second, testLogger())
	_, err := d.Fetch(context.Background(), testRelease(srv.URL+"/agent.zip"))
	assert.Assert(t, errors.Is(err, dmerr.ErrNotFound))
}
