// Package weights maintains the on-disk cache of fine-tuned weight
// bundles. A bundle ref (URL or path) resolves to a local directory;
// misses are fetched through a Downloader, staged, and published
// atomically. Least-recently-used bundles are evicted under capacity
// pressure, except the bundle pinned by the active model.
package weights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/outpaintd/outpaintd/format"
)

const stagingPrefix = "staging-"

// metadataFile records the bundle ref inside each published entry so the
// cache can be rebuilt after a restart.
const metadataFile = "bundle.json"

// Downloader fetches a bundle archive and extracts it into destDir.
// Failures are opaque fetch errors; the cache does not retry.
type Downloader interface {
	Fetch(ctx context.Context, url, destDir string) error
}

// Entry describes one cached bundle.
type Entry struct {
	Ref        string    `json:"ref"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// Cache is the weight bundle cache. Safe for concurrent use; concurrent
// Ensure calls for the same ref share a single fetch.
type Cache struct {
	dir        string
	budget     int64
	downloader Downloader

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry
	pinned  string
}

// NewCache opens (or creates) a cache rooted at dir with the given byte
// budget. Leftover staging directories from a crashed fetch are removed;
// published entries are re-indexed from their metadata files.
func NewCache(dir string, budget int64, downloader Downloader) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	c := &Cache{
		dir:        dir,
		budget:     budget,
		downloader: downloader,
		entries:    make(map[string]*Entry),
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}

		path := filepath.Join(dir, de.Name())
		if strings.HasPrefix(de.Name(), stagingPrefix) {
			slog.Warn("removing incomplete bundle download", "path", path)
			os.RemoveAll(path)
			continue
		}

		var entry Entry
		data, err := os.ReadFile(filepath.Join(path, metadataFile))
		if err != nil || json.Unmarshal(data, &entry) != nil {
			slog.Warn("removing unreadable cache entry", "path", path)
			os.RemoveAll(path)
			continue
		}

		c.entries[entry.Ref] = &entry
		slog.Debug("indexed cached bundle", "ref", entry.Ref, "size", format.HumanBytes(entry.Size))
	}

	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// entryPath maps a ref to its directory. Refs can be URLs, so the name is
// a short content hash rather than the ref itself.
func (c *Cache) entryPath(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8]))
}

// Ensure resolves ref to a local bundle directory, fetching it on a miss.
// Concurrent calls for the same ref perform at most one fetch; every
// caller observes the same completed directory.
func (c *Cache) Ensure(ctx context.Context, ref string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.entries[ref]; ok {
		entry.LastAccess = time.Now()
		c.mu.Unlock()
		return c.entryPath(ref), nil
	}
	c.mu.Unlock()

	path, err, _ := c.group.Do(ref, func() (any, error) {
		// A caller that queued behind the winning fetch sees the entry now.
		c.mu.Lock()
		if entry, ok := c.entries[ref]; ok {
			entry.LastAccess = time.Now()
			c.mu.Unlock()
			return c.entryPath(ref), nil
		}
		c.mu.Unlock()

		return c.fetch(ctx, ref)
	})
	if err != nil {
		return "", err
	}

	return path.(string), nil
}

// fetch downloads ref into a staging directory, evicts as needed, then
// publishes it under its final name. A failure leaves no trace under the
// final path.
func (c *Cache) fetch(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	slog.Info("downloading weight bundle", "ref", ref)

	staging, err := os.MkdirTemp(c.dir, stagingPrefix)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if err := c.downloader.Fetch(ctx, ref, staging); err != nil {
		return "", fmt.Errorf("fetching %s: %w", ref, err)
	}

	size, err := dirSize(staging)
	if err != nil {
		return "", err
	}

	entry := &Entry{Ref: ref, Size: size, LastAccess: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFile), data, 0o644); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.makeRoom(size)

	path := c.entryPath(ref)
	os.RemoveAll(path)
	if err := os.Rename(staging, path); err != nil {
		return "", fmt.Errorf("publishing %s: %w", ref, err)
	}
	c.entries[ref] = entry

	slog.Info("downloaded weight bundle", "ref", ref,
		"size", format.HumanBytes(size), "elapsed", time.Since(start).Round(time.Millisecond))
	return path, nil
}

// makeRoom evicts least-recently-used entries until incoming fits in the
// budget. The pinned entry is never evicted. Called with c.mu held.
func (c *Cache) makeRoom(incoming int64) {
	var total int64
	for _, entry := range c.entries {
		total += entry.Size
	}

	for total+incoming > c.budget {
		victim := c.lruLocked()
		if victim == nil {
			slog.Warn("cache over budget but nothing evictable",
				"budget", format.HumanBytes(c.budget), "incoming", format.HumanBytes(incoming))
			return
		}

		slog.Info("evicting weight bundle", "ref", victim.Ref, "size", format.HumanBytes(victim.Size))
		os.RemoveAll(c.entryPath(victim.Ref))
		delete(c.entries, victim.Ref)
		total -= victim.Size
	}
}

func (c *Cache) lruLocked() *Entry {
	var victim *Entry
	for ref, entry := range c.entries {
		if ref == c.pinned {
			continue
		}
		if victim == nil || entry.LastAccess.Before(victim.LastAccess) {
			victim = entry
		}
	}
	return victim
}

// Pin marks ref as in use by the active model, protecting it from
// eviction. An empty ref clears the pin.
func (c *Cache) Pin(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = ref
}

// Pinned returns the currently pinned ref.
func (c *Cache) Pinned() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// Entries lists cached bundles, most recently used first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, *entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return b.LastAccess.Compare(a.LastAccess)
	})
	return entries
}

// Warm prefetches bundle refs concurrently, a few at a time. Used at
// startup so the first requests against known bundles skip the download.
func (c *Cache) Warm(ctx context.Context, refs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, ref := range refs {
		g.Go(func() error {
			_, err := c.Ensure(ctx, ref)
			return err
		})
	}
	return g.Wait()
}

// Prune removes every entry except the pinned one.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for ref := range c.entries {
		if ref == c.pinned {
			continue
		}
		os.RemoveAll(c.entryPath(ref))
		delete(c.entries, ref)
		n++
	}
	return n
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
