package walker

import (
	"os"
	"path/filepath"
	"sync"
)

// LstatCache remembers the Lstat result of every path seen during one
// profile pass, so a file's metadata is queried once and every decision of
// the pass sees the same answer.
//
// It must be Reset between profiles.
type LstatCache struct {
	mu      sync.Mutex
	entries map[string]os.FileInfo
}

func NewLstatCache() *LstatCache {
	return &LstatCache{entries: make(map[string]os.FileInfo)}
}

// Lstat returns the cached metadata of path, querying the filesystem on a
// miss. Errors are not cached.
func (c *LstatCache) Lstat(path string) (os.FileInfo, error) {
	key := filepath.Clean(path)
	c.mu.Lock()
	info, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := os.Lstat(key)
	if err != nil {
		return nil, err
	}
	c.Store(key, info)
	return info, nil
}

// Store records info for path unless an entry already exists. The first
// answer wins.
func (c *LstatCache) Store(path string, info os.FileInfo) {
	key := filepath.Clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = info
	}
}

// Reset drops all entries.
func (c *LstatCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached paths.
func (c *LstatCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
