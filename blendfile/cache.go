package blendfile

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/blendpack/blendpack/bpath"
)

// Cache opens blend files at most once each. A trace touches the same
// library file from many directions at once; the cache deduplicates
// concurrent opens with singleflight and keeps parsed files alive until
// Close, so block pointers stay valid for the whole operation.
type Cache struct {
	opts []OpenOption

	mu     sync.RWMutex
	files  map[string]*File
	closed bool

	group singleflight.Group
}

// NewCache creates a cache. The options are applied to every Open.
func NewCache(opts ...OpenOption) *Cache {
	return &Cache{
		opts:  opts,
		files: make(map[string]*File),
	}
}

// Open returns the parsed file at path, parsing it on first use. Paths
// are normalized to their canonical absolute form, so different
// spellings of one file share a single parse. Failed opens are not
// cached; every caller sees the error.
func (c *Cache) Open(path string) (*File, error) {
	key := bpath.MakeAbsolute(path)

	c.mu.RLock()
	f, ok := c.files[key]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return f, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		f, ok := c.files[key]
		c.mu.RUnlock()
		if ok {
			return f, nil
		}

		f, err := Open(key, c.opts...)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			f.Close()
			return nil, ErrClosed
		}
		c.files[key] = f
		c.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*File), nil
}

// Cached reports whether path is already parsed, without opening it.
func (c *Cache) Cached(path string) bool {
	key := bpath.MakeAbsolute(path)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.files[key]
	return ok
}

// Len returns the number of parsed files held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Close closes every cached file. The cache is unusable afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	files := c.files
	c.files = nil
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for key, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
