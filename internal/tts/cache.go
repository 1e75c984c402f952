package tts

import (
	"container/list"
	"sync"

	"github.com/invorto/voicecore/pkg/types"
)

// cacheKey identifies a cached utterance by text, voice, locale, and wire
// encoding — two fragments only collide if all four match exactly.
type cacheKey struct {
	text     string
	voice    string
	locale   string
	encoding Encoding
}

// UtteranceCache is a fixed-capacity, content-addressed LRU cache of fully
// synthesized (and encoded) audio for short, frequently-spoken utterances —
// greetings, holds, confirmations — configured as a literal text list so the
// agent runtime never pays synthesis latency for them.
//
// Safe for concurrent use.
type UtteranceCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[cacheKey]*list.Element
}

type cacheEntry struct {
	key    cacheKey
	chunks [][]byte
}

// NewUtteranceCache creates a cache holding up to capacity entries. A
// capacity of 0 disables caching — Get always misses and Put is a no-op.
func NewUtteranceCache(capacity int) *UtteranceCache {
	return &UtteranceCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[cacheKey]*list.Element),
	}
}

func (c *UtteranceCache) key(text string, voice types.VoiceProfile, locale string, enc Encoding) cacheKey {
	return cacheKey{text: text, voice: voice.Provider + "/" + voice.ID, locale: locale, encoding: enc}
}

// Get returns the cached encoded audio chunks for (text, voice, locale, enc),
// promoting the entry to most-recently-used, or ok=false on a miss.
func (c *UtteranceCache) Get(text string, voice types.VoiceProfile, locale string, enc Encoding) (chunks [][]byte, ok bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.index[c.key(text, voice, locale, enc)]
	if !found {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).chunks, true
}

// Put stores chunks for (text, voice, locale, enc), evicting the
// least-recently-used entry if the cache is at capacity.
func (c *UtteranceCache) Put(text string, voice types.VoiceProfile, locale string, enc Encoding, chunks [][]byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(text, voice, locale, enc)
	if el, found := c.index[k]; found {
		el.Value.(*cacheEntry).chunks = chunks
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: k, chunks: chunks})
	c.index[k] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of entries currently cached.
func (c *UtteranceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
