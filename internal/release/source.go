// Package release resolves published agent versions and downloads
// release artifacts into a verified staging area.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

const defaultAPIBase = "https://api.github.com"

// Release is a resolved, downloadable agent version.
type Release struct {
	Version  domain.AgentVersion
	Tag      string
	Notes    string
	AssetURL string
}

// Source resolves versions from a GitHub release feed. Pure query: it
// never touches the host beyond the network.
type Source struct {
	// BaseURL overrides the API endpoint; tests point it at a local server.
	BaseURL string

	repo      string
	assetName string
	http      *retryablehttp.Client
	logger    *slog.Logger
}

// NewSource returns a Source for owner/repo releases, selecting the
// asset named assetName.
func NewSource(repo, assetName string, logger *slog.Logger) *Source {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Source{
		BaseURL:   defaultAPIBase,
		repo:      repo,
		assetName: assetName,
		http:      client,
		logger:    logger,
	}
}

// ResolveLatest returns the newest published release.
func (s *Source) ResolveLatest(ctx context.Context) (*Release, error) {
	return s.fetchRelease(ctx, fmt.Sprintf("%s/repos/%s/releases/latest", s.BaseURL, s.repo))
}

// ResolvePinned returns the release for an explicit version, or NotFound
// when no such release was published.
func (s *Source) ResolvePinned(ctx context.Context, v domain.AgentVersion) (*Release, error) {
	return s.fetchRelease(ctx, fmt.Sprintf("%s/repos/%s/releases/tags/v%s", s.BaseURL, s.repo, v))
}

type releasePayload struct {
	TagName    string `json:"tag_name"`
	Body       string `json:"body"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
	Assets     []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

func (s *Source) fetchRelease(ctx context.Context, url string) (*Release, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/vnd.github+json")
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, dmerr.Wrapf(dmerr.ErrNetworkUnavailable, "release lookup %s: %v", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, dmerr.Wrapf(dmerr.ErrNotFound, "no release at %s", url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("release lookup %s: HTTP %d", url, resp.StatusCode)
	}

	var payload releasePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode release response: %w", err)
	}

	version, err := domain.ParseVersion(payload.TagName)
	if err != nil {
		return nil, fmt.Errorf("release tag %q: %w", payload.TagName, err)
	}

	rel := &Release{Version: version, Tag: payload.TagName, Notes: payload.Body}
	for _, asset := range payload.Assets {
		if asset.Name == s.assetName {
			rel.AssetURL = asset.BrowserDownloadURL
			break
		}
	}
	if rel.AssetURL == "" {
		return nil, dmerr.Wrapf(dmerr.ErrNotFound, "release %s has no asset %q", payload.TagName, s.assetName)
	}

	s.logger.Debug("resolved release", "repo", s.repo, "tag", rel.Tag, "version", rel.Version.String())
	return rel, nil
}
