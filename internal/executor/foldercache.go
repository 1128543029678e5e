package executor

import "sync"

// FolderCache remembers which folders are known to exist so the
// executor issues at most one creation call per name. Membership is a
// best-effort hint, not proof the folder still exists remotely. Keys
// are case-sensitive: "Inbox" and "INBOX" are distinct folders. Shared
// across all account loops, so access is mutex-guarded.
type FolderCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFolderCache creates an empty cache.
func NewFolderCache() *FolderCache {
	return &FolderCache{
		seen: make(map[string]struct{}),
	}
}

// Has reports whether the folder name is cached.
func (c *FolderCache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.seen[name]
	return ok
}

// Add caches a folder name after a successful creation.
func (c *FolderCache) Add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen[name] = struct{}{}
}

// Clear empties the cache.
func (c *FolderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = make(map[string]struct{})
}
