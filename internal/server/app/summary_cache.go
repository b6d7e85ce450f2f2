package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"pulse/internal/domain"
)

// summaryCache memoizes glosses across events with identical type and
// payload; tool loops produce long stretches of near-identical events and
// re-summarizing each one is wasted work.
type summaryCache struct {
	cache *lru.Cache[string, string]
}

func newSummaryCache(size int) *summaryCache {
	cache, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only errors on non-positive size, which callers guard.
		return &summaryCache{}
	}
	return &summaryCache{cache: cache}
}

func (c *summaryCache) get(key string) (string, bool) {
	if c == nil || c.cache == nil {
		return "", false
	}
	return c.cache.Get(key)
}

func (c *summaryCache) add(key, summary string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Add(key, summary)
}

// summaryKey hashes the event's type and normalized payload into a fixed
// width cache key. Payloads can be large; the hash keeps the cache from
// holding them twice.
func summaryKey(event domain.EventRecord) string {
	sum := sha256.Sum256([]byte(string(event.Type) + ":" + normalizePayload(event.Payload)))
	return hex.EncodeToString(sum[:])
}

// normalizePayload serializes a payload deterministically by sorting keys at
// every level.
func normalizePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedPayload(payload))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// sortedPayload converts nested maps to a concrete type json.Marshal will
// serialize with sorted keys.
func sortedPayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedPayload(nested)
		}
		out[k] = v
	}
	return out
}
