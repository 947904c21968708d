package embedding

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"boq-matcher/internal/matching/model"
)

// Entry is a cached vector and the provider space it belongs to.
type Entry struct {
	Vector   []float32
	Provider model.Provider
}

// Cache maps enriched catalog text to vectors, bounded by size and age.
// Least recently used entries go first. Safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[string, Entry]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 10000
	}
	return &Cache{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func cacheKey(p model.Provider, text string) string { return string(p) + "\x00" + text }

// Get returns the vector stored for text in provider p's space.
func (c *Cache) Get(p model.Provider, text string) ([]float32, bool) {
	e, ok := c.lru.Get(cacheKey(p, text))
	if !ok || e.Provider != p {
		return nil, false
	}
	return e.Vector, true
}

func (c *Cache) Put(p model.Provider, text string, vec []float32) {
	c.lru.Add(cacheKey(p, text), Entry{Vector: vec, Provider: p})
}

func (c *Cache) Len() int { return c.lru.Len() }

// Purge empties the cache.
func (c *Cache) Purge() { c.lru.Purge() }
