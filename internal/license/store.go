package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Cache is the client-local mirror of the last reconciliation. It is always
// advisory: the server's answer overwrites it whenever one is obtained.
//
// There is deliberately no tamper evidence on this file; an attacker with
// filesystem access can forge it. Matching the trust model of the authority
// lookups themselves, integrity protection is a future concern isolated
// behind the Engine.
type Cache struct {
	SerialNumber    string    `json:"serial_number"`
	LastValidation  time.Time `json:"last_validation"`
	ExpiryDate      time.Time `json:"expiry_date"`
	ValidationCount int       `json:"validation_count"`
}

// FreshAt reports whether the cache is usable for offline decisions at the
// given instant, i.e. its last validation is within the staleness window.
func (c Cache) FreshAt(now time.Time) bool {
	if c.LastValidation.IsZero() {
		return false
	}
	return now.Sub(c.LastValidation) <= StalenessWindow
}

// Store owns the on-disk license cache file. No other component reads or
// writes the file directly.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a store for the cache file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "license_store")),
	}
}

// Path returns the location of the cache file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the cached license state. A missing or unparsable file is
// "no cache", never an error: the zero value is returned with ok=false.
func (s *Store) Load() (Cache, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("license cache unreadable, treating as absent",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return Cache{}, false
	}

	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		s.logger.Warn("license cache corrupt, treating as absent",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return Cache{}, false
	}

	if cache.SerialNumber == "" {
		return Cache{}, false
	}

	return cache, true
}

// Save persists the cache atomically: write to a temp file in the same
// directory, sync, then rename over the target. A crash mid-write can never
// leave a half-written cache for concurrent readers.
func (s *Store) Save(cache Cache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal license cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".license-cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}

	s.logger.Debug("license cache saved",
		slog.String("path", s.path),
		slog.String("serial", cache.SerialNumber),
		slog.Time("last_validation", cache.LastValidation),
		slog.Int("validation_count", cache.ValidationCount),
	)
	return nil
}

// Clear removes the cache file. A file that is already absent is not an
// error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	s.logger.Debug("license cache cleared", slog.String("path", s.path))
	return nil
}
