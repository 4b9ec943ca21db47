package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	result  Result
	created time.Time
	hits    int
}

// responseCache is a TTL map with a fixed capacity. Under capacity pressure
// expired entries go first, then the entry with the highest age/(1+hits).
type responseCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	entries  map[string]*cacheEntry
}

func newResponseCache(ttl time.Duration, capacity int, now func() time.Time) *responseCache {
	return &responseCache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		entries:  make(map[string]*cacheEntry),
	}
}

// get returns a live entry and counts the hit.
func (c *responseCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(e.created) >= c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	e.hits++
	res := e.result
	res.Cached = true
	res.Hits = e.hits
	return res, true
}

// put stores res under key and reports how many entries were evicted.
func (c *responseCache) put(key string, res Result) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	res.Cached = false
	res.Hits = 0
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.result = res
		e.created = now
		return 0
	}

	evicted := 0
	if len(c.entries) >= c.capacity {
		for k, e := range c.entries {
			if now.Sub(e.created) >= c.ttl {
				delete(c.entries, k)
				evicted++
			}
		}
	}
	for len(c.entries) >= c.capacity {
		victim := ""
		worst := -1.0
		for k, e := range c.entries {
			score := now.Sub(e.created).Seconds() / float64(1+e.hits)
			if score > worst || (score == worst && k < victim) {
				victim, worst = k, score
			}
		}
		delete(c.entries, victim)
		evicted++
	}
	c.entries[key] = &cacheEntry{result: res, created: now}
	return evicted
}

type cacheCounts struct {
	entries int
	hits    int
}

func (c *responseCache) counts() cacheCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := cacheCounts{entries: len(c.entries)}
	for _, e := range c.entries {
		out.hits += e.hits
	}
	return out
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// cacheKey derives the key from the action and the lower-cased canonical JSON
// of the payload. Canonical JSON has object keys sorted.
func cacheKey(action string, payload json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("gateway: normalize payload: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("gateway: normalize payload: %w", err)
	}
	sum := sha256.Sum256([]byte(strings.ToLower(string(canon))))
	return action + ":" + hex.EncodeToString(sum[:])[:32], nil
}
