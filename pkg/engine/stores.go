package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/rumar/pkg/ledger"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

// StoreCache hands out one ledger Store per database path. Profiles that
// share a database share the handle; concurrent first opens of the same
// path are collapsed into one.
type StoreCache struct {
	mu     sync.Mutex
	stores map[string]*ledger.Store
	group  singleflight.Group
}

// NewStoreCache returns an empty cache.
func NewStoreCache() *StoreCache {
	return &StoreCache{stores: make(map[string]*ledger.Store)}
}

// Get returns the store for path, opening it on first use.
func (c *StoreCache) Get(ctx context.Context, path string) (*ledger.Store, error) {
	key := filepath.Clean(path)
	c.mu.Lock()
	s, ok := c.stores[key]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		s, ok := c.stores[key]
		c.mu.Unlock()
		if ok {
			return s, nil
		}
		if err := os.MkdirAll(filepath.Dir(key), util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create directory for database %s: %w", key, err)
		}
		s, err := ledger.Open(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", key, err)
		}
		plog.Debug("Opened database", "path", key)
		c.mu.Lock()
		c.stores[key] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.Store), nil
}

// Close closes every store handed out so far.
func (c *StoreCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for path, s := range c.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database %s: %w", path, err))
		}
		delete(c.stores, path)
	}
	return errors.Join(errs...)
}
