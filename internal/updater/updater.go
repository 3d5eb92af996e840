// Package updater checks a release feed for newer versions. The check is
// gated on license state: an unauthorized installation never phones home for
// updates.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postguard/internal/license"
)

// ErrNotAuthorized is returned when an update check is attempted without a
// valid license decision.
var ErrNotAuthorized = errors.New("update check requires an authorized license")

// Release describes one published release.
type Release struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Notes       string `json:"notes,omitempty"`
}

// Updater polls the release feed.
type Updater struct {
	feedURL string
	version string
	httpc   *http.Client
	logger  *slog.Logger
}

// New creates an updater for the given feed and current version.
func New(feedURL, currentVersion string, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		feedURL: feedURL,
		version: currentVersion,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With(slog.String("component", "updater")),
	}
}

// CheckForUpdates fetches the latest release if the last license decision
// authorized this installation. It returns the release and whether it is
// newer than the running version.
func (u *Updater) CheckForUpdates(ctx context.Context, last license.Decision) (*Release, bool, error) {
	if !last.Authorized {
		return nil, false, ErrNotAuthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.feedURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build update request: %w", err)
	}

	resp, err := u.httpc.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("release feed returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read release feed: %w", err)
	}

	var rel Release
	if err := json.Unmarshal(raw, &rel); err != nil {
		return nil, false, fmt.Errorf("parse release feed: %w", err)
	}
	if rel.Version == "" {
		return nil, false, fmt.Errorf("release feed missing version")
	}

	newer := newerVersion(rel.Version, u.version)
	u.logger.Info("update check completed",
		slog.String("current", u.version),
		slog.String("latest", rel.Version),
		slog.Bool("update_available", newer),
	)
	return &rel, newer, nil
}

// newerVersion reports whether latest is strictly newer than current,
// comparing dotted numeric fields with a missing field counting as zero. A
// version that does not parse as dotted numbers falls back to plain
// inequality, which assumes the feed only ever publishes forward.
func newerVersion(latest, current string) bool {
	lf, lok := versionFields(latest)
	cf, cok := versionFields(current)
	if !lok || !cok {
		return latest != current
	}
	for i := 0; i < len(lf) || i < len(cf); i++ {
		var l, c int
		if i < len(lf) {
			l = lf[i]
		}
		if i < len(cf) {
			c = cf[i]
		}
		if l != c {
			return l > c
		}
	}
	return false
}

func versionFields(v string) ([]int, bool) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
