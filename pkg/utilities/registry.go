package utilities

import (
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Utility)
)

// Register registers a utility.
func Register(u Utility) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if u == nil {
		panic("utilities: Register utility is nil")
	}
	if _, dup := registry[u.Slug()]; dup {
		panic("utilities: Register called twice for utility " + u.Slug())
	}
	registry[u.Slug()] = u
}

// Get returns a utility by slug.
func Get(slug string) (Utility, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	u, ok := registry[slug]
	return u, ok
}

// List returns a sorted list of registered utility slugs.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var slugs []string
	for s := range registry {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}
