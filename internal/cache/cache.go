// Package cache persists full event detail records between sync runs.
//
// The cache is a single JSON object mapping event id to the raw record as the
// platform returned it. It is loaded when opened and rewritten by Save. There
// is no eviction. Only one process may hold a cache open at a time: Open takes
// an exclusive lock that Close releases.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked is returned by Open when another process holds the cache.
var ErrLocked = errors.New("cache: file is locked by another run")

// Cache maps event ids to raw detail records. It is not safe for concurrent use.
type Cache struct {
	path    string
	entries map[string]json.RawMessage
	lock    *os.File
	logger  *slog.Logger
}

// Open acquires the cache at path and loads its contents.
// A missing file yields an empty cache.
func Open(logger *slog.Logger, path string) (*Cache, error) {
	lock, err := acquire(path + ".lock")
	if err != nil {
		return nil, err
	}

	c := &Cache{
		path:    path,
		entries: make(map[string]json.RawMessage),
		lock:    lock,
		logger:  logger,
	}
	if err := c.load(); err != nil {
		_ = release(lock)
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("No cache file found, starting fresh.", "file", c.path)
			return nil
		}
		return fmt.Errorf("failed to read cache: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return fmt.Errorf("failed to parse cache %s: %w", c.path, err)
	}
	c.logger.Debug("Loaded cache.", "file", c.path, "entries", len(c.entries))
	return nil
}

// Get returns the cached record for an event id.
func (c *Cache) Get(id int64) (json.RawMessage, bool) {
	raw, ok := c.entries[strconv.FormatInt(id, 10)]
	return raw, ok
}

// Has reports whether id is cached.
func (c *Cache) Has(id int64) bool {
	_, ok := c.Get(id)
	return ok
}

// Put stores a record, replacing any previous one.
func (c *Cache) Put(id int64, raw json.RawMessage) {
	c.entries[strconv.FormatInt(id, 10)] = append(json.RawMessage(nil), raw...)
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Save rewrites the cache file. The write goes to a temporary file first so a
// crash never leaves a truncated cache behind.
func (c *Cache) Save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	c.logger.Debug("Saved cache.", "file", c.path, "entries", len(c.entries))
	return nil
}

// Close releases the lock. It does not save.
func (c *Cache) Close() error {
	if c.lock == nil {
		return nil
	}
	err := release(c.lock)
	c.lock = nil
	return err
}
