// Package directory caches the relay descriptor set on disk so the
// client does not re-fetch the consensus on every run. The consensus
// wire format and its signature validation are out of scope for this
// system — this package only persists and reloads the already-parsed
// descriptor slice.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/el-tor/eltord/internal/descriptor"
)

// DefaultCacheDir returns the default cache directory, ~/.eltor/cache/.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".eltor", "cache")
}

// Cache handles caching of the relay descriptor set to disk.
type Cache struct {
	Dir string
}

type cachedDescriptors struct {
	FetchedAt time.Time                    `json:"fetched_at"`
	ValidFor  time.Duration                `json:"valid_for"`
	Relays    []descriptor.RelayDescriptor `json:"relays"`
}

const freshness = 1 * time.Hour

// Load returns the cached descriptor set if present and still fresh.
func (c *Cache) Load() ([]descriptor.RelayDescriptor, bool) {
	if c.Dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.Dir, "descriptors.json"))
	if err != nil {
		return nil, false
	}
	var cached cachedDescriptors
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	if time.Since(cached.FetchedAt) > cached.ValidFor {
		return nil, false
	}
	return cached.Relays, true
}

// Save persists the descriptor set, valid for the given duration.
func (c *Cache) Save(relays []descriptor.RelayDescriptor, validFor time.Duration) error {
	if c.Dir == "" {
		return fmt.Errorf("cache: no directory configured")
	}
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	if validFor <= 0 {
		validFor = freshness
	}
	cached := cachedDescriptors{
		FetchedAt: time.Now(),
		ValidFor:  validFor,
		Relays:    relays,
	}
	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	tmp := filepath.Join(c.Dir, "descriptors.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	return os.Rename(tmp, filepath.Join(c.Dir, "descriptors.json"))
}
