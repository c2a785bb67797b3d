// Package emoji implements the bounded TTL+LRU cache for user-uploaded
// emoji images: concurrency-gated downloads, normalization to WebP, and
// hash-based addressing so identical images from different URLs collapse
// into one entry.
package emoji

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// TTL is how long an entry lives without being accessed.
	TTL = 600 * time.Second

	// MaxEntries bounds the store; LRU entries beyond it are evicted.
	MaxEntries = 200

	// PerUserLimit and GlobalLimit gate concurrent downloads. The global
	// gate is acquired first so one user cannot hoard all slots.
	PerUserLimit = 3
	GlobalLimit  = 10

	// MaxEdge is the longest-edge target for normalized images, in pixels.
	MaxEdge = 100

	downloadTimeout = 10 * time.Second
	sweepInterval   = 30 * time.Second
)

type entry struct {
	data        []byte
	contentType string
	expiresAt   time.Time
	lastAccess  time.Time
}

type userGate struct {
	sem      *semaphore.Weighted
	lastUsed time.Time
}

// Cache is the emoji store plus its download pipeline. All store access is
// serialized with one mutex so Get and Set never race the maintenance
// sweep.
type Cache struct {
	mu       sync.Mutex
	store    map[string]*entry
	userSems map[string]*userGate

	globalSem *semaphore.Weighted
	client    *http.Client
	metrics   *Metrics

	now func() time.Time
}

// NewCache builds an empty cache.
func NewCache(metrics *Metrics) *Cache {
	return &Cache{
		store:     make(map[string]*entry),
		userSems:  make(map[string]*userGate),
		globalSem: semaphore.NewWeighted(GlobalLimit),
		client:    &http.Client{Timeout: downloadTimeout},
		metrics:   metrics,
		now:       time.Now,
	}
}

// Get returns the entry bytes and content type for a key. A hit refreshes
// the access time and extends the expiry, so actively used entries live
// indefinitely. An expired entry is a miss and is removed on the spot.
func (c *Cache) Get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store[key]
	if !ok {
		return nil, "", false
	}
	now := c.now()
	if e.expiresAt.Before(now) {
		delete(c.store, key)
		return nil, "", false
	}
	e.lastAccess = now
	e.expiresAt = now.Add(TTL)
	return e.data, e.contentType, true
}

// Set unconditionally inserts an entry.
func (c *Cache) Set(key string, data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.store[key] = &entry{
		data:        data,
		contentType: contentType,
		expiresAt:   now.Add(TTL),
		lastAccess:  now,
	}
	c.metrics.Entries.Set(float64(len(c.store)))
}

// Run drives the maintenance loop until the context is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts expired entries, trims the store to MaxEntries by least
// recent access, and drops idle per-user gates.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	for key, e := range c.store {
		if e.expiresAt.Before(now) {
			delete(c.store, key)
		}
	}

	if excess := len(c.store) - MaxEntries; excess > 0 {
		type keyed struct {
			key        string
			lastAccess time.Time
		}
		entries := make([]keyed, 0, len(c.store))
		for key, e := range c.store {
			entries = append(entries, keyed{key, e.lastAccess})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].lastAccess.Before(entries[j].lastAccess)
		})
		for _, e := range entries[:excess] {
			delete(c.store, e.key)
		}
	}
	c.metrics.Entries.Set(float64(len(c.store)))

	// A gate is reclaimable when every permit is free and it has been
	// idle for at least one TTL.
	for user, g := range c.userSems {
		if now.Sub(g.lastUsed) >= TTL && g.sem.TryAcquire(PerUserLimit) {
			delete(c.userSems, user)
		}
	}
}

func (c *Cache) userGateFor(user string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.userSems[user]
	if !ok {
		g = &userGate{sem: semaphore.NewWeighted(PerUserLimit)}
		c.userSems[user] = g
	}
	g.lastUsed = c.now()
	return g.sem
}

// LoadEmoji downloads, normalizes, and caches the image behind url,
// returning the cache key. The returned key is the hex MD5 of the
// normalized bytes, so re-ingesting an already cached image returns the
// existing key without inserting a duplicate.
func (c *Cache) LoadEmoji(ctx context.Context, url, user string) (string, error) {
	if err := c.globalSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.globalSem.Release(1)

	userSem := c.userGateFor(user)
	if err := userSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer userSem.Release(1)

	content, err := c.download(ctx, url)
	if err != nil {
		c.metrics.DownloadsTotal.WithLabelValues("error").Inc()
		slog.Warn("Failed to download emoji", "url", url, "error", err)
		return "", err
	}

	data, contentType, err := normalize(content, MaxEdge)
	if err != nil {
		c.metrics.DownloadsTotal.WithLabelValues("decode_error").Inc()
		slog.Warn("Failed to decode emoji", "url", url, "error", err)
		return "", err
	}

	sum := md5.Sum(data)
	key := hex.EncodeToString(sum[:])

	if _, _, ok := c.Get(key); ok {
		c.metrics.DownloadsTotal.WithLabelValues("cached").Inc()
		return key, nil
	}
	c.Set(key, data, contentType)
	c.metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	return key, nil
}

// Resolve implements the builder's emote resolution.
func (c *Cache) Resolve(ctx context.Context, url, user string) (string, error) {
	return c.LoadEmoji(ctx, url, user)
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
