package cache

// Cache associates derived values with the buffer revision that produced
// them. An entry is only ever returned for the exact revision it was stored
// under; any other read drops it. A Cache is not safe for concurrent use.
type Cache struct {
	entries map[string]entry
	hits    int
	misses  int
}

type entry struct {
	value    any
	revision int64
}

// Stats reports lookup counters since the cache was created.
type Stats struct {
	Entries int `json:"entries"`
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the value stored under key if it was computed at revision
// and has type T. Entries from other revisions are removed.
func Get[T any](c *Cache, key string, revision int64) (T, bool) {
	var zero T
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.revision != revision {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	v, ok := e.value.(T)
	if !ok {
		c.misses++
		return zero, false
	}
	c.hits++
	return v, true
}

// Put stores value under key, tagged with revision.
func Put[T any](c *Cache, key string, value T, revision int64) {
	c.entries[key] = entry{value: value, revision: revision}
}

// Load returns the cached value for key at revision, computing and storing
// it on a miss. Errors from compute are returned and nothing is stored.
func Load[T any](c *Cache, key string, revision int64, compute func() (T, error)) (T, error) {
	if v, ok := Get[T](c, key, revision); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	Put(c, key, v, revision)
	return v, nil
}

// Sweep removes every entry not computed at revision and returns how many
// were removed.
func (c *Cache) Sweep(revision int64) int {
	n := 0
	for k, e := range c.entries {
		if e.revision != revision {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, valid or not.
func (c *Cache) Len() int { return len(c.entries) }

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
