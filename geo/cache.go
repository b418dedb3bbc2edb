package geo

import (
	"sync"

	"donor-service/domain"
)

// Cache holds resolved addresses for the lifetime of the process.
// Keys are exact address strings; entries never expire.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]domain.Location
}

// NewCache creates an empty geocode cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]domain.Location)}
}

func (c *Cache) Get(address string) (domain.Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.entries[address]
	return loc, ok
}

// Put stores a location; concurrent writers for the same address are last-write-wins
func (c *Cache) Put(address string, loc domain.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[address] = loc
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
