package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache holds the config with a TTL so running components see edits to the
// file without a restart.
type Cache struct {
	mu       sync.RWMutex
	path     string
	config   *Config
	hash     string // SHA-256 of the YAML rendering, for change detection
	loadedAt time.Time
	ttl      time.Duration

	watchers []func(*Config)
}

// NewCache wraps the config loaded at startup from path.
func NewCache(initialCfg *Config, path string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	return &Cache{
		path:     path,
		config:   initialCfg,
		hash:     computeConfigHash(initialCfg),
		loadedAt: time.Now(),
		ttl:      ttl,
	}
}

// Get returns the current config, reloading it from disk once the TTL has
// passed.
func (c *Cache) Get() *Config {
	c.mu.RLock()
	if time.Since(c.loadedAt) < c.ttl {
		cfg := c.config
		c.mu.RUnlock()
		return cfg
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if time.Since(c.loadedAt) < c.ttl {
		cfg := c.config
		c.mu.Unlock()
		return cfg
	}

	cfg, err := LoadFrom(c.path)
	if err != nil {
		// Keep the last good config and wait a full TTL before retrying.
		c.loadedAt = time.Now()
		cfg = c.config
		c.mu.Unlock()
		return cfg
	}
	changed := c.swap(cfg)
	c.mu.Unlock()

	if changed {
		c.notify(cfg)
	}
	return cfg
}

// OnChange registers fn to run after a reload or Set that changed the
// config. fn runs on the goroutine that observed the change.
func (c *Cache) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// swap installs cfg and reports whether its hash differs. c.mu must be held.
func (c *Cache) swap(cfg *Config) bool {
	h := computeConfigHash(cfg)
	changed := h != c.hash
	c.config = cfg
	c.hash = h
	c.loadedAt = time.Now()
	return changed
}

func (c *Cache) notify(cfg *Config) {
	c.mu.RLock()
	watchers := append(([]func(*Config))(nil), c.watchers...)
	c.mu.RUnlock()
	for _, fn := range watchers {
		fn(cfg)
	}
}

// Hash returns the SHA-256 of the current config.
func (c *Cache) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// Invalidate forces the next Get to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// Set replaces the cached config, e.g. right after saving it.
func (c *Cache) Set(cfg *Config) {
	c.mu.Lock()
	changed := c.swap(cfg)
	c.mu.Unlock()
	if changed {
		c.notify(cfg)
	}
}

func computeConfigHash(cfg *Config) string {
	data, err := marshalConfigYAML(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
