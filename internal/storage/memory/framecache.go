// Package memory provides the in-process frame cache: decoded frames keyed
// by (clip, presentation time) with per-clip LRU bounds.
package memory

import (
	"container/list"
	"sync"
	"time"

	"scrubengine/internal/domain"
	"scrubengine/internal/metrics"
)

// Cache shards its state per clip so inserts for distinct clips never
// contend; cache-wide prunes take the clip's lock and therefore exclude
// concurrent inserts in the pruned range.
type Cache struct {
	mu         sync.RWMutex
	clips      map[domain.ClipID]*clipFrames
	maxPerClip int
}

type clipFrames struct {
	mu     sync.Mutex
	frames map[time.Duration]*list.Element
	lru    *list.List // front = most recently touched
}

type cacheEntry struct {
	pts   time.Duration
	frame domain.Frame
}

func NewCache(maxPerClip int) *Cache {
	if maxPerClip <= 0 {
		maxPerClip = 512
	}
	return &Cache{
		clips:      make(map[domain.ClipID]*clipFrames),
		maxPerClip: maxPerClip,
	}
}

func (c *Cache) clip(id domain.ClipID, create bool) *clipFrames {
	c.mu.RLock()
	cf := c.clips[id]
	c.mu.RUnlock()
	if cf != nil || !create {
		return cf
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cf = c.clips[id]; cf == nil {
		cf = &clipFrames{
			frames: make(map[time.Duration]*list.Element),
			lru:    list.New(),
		}
		c.clips[id] = cf
	}
	return cf
}

func (c *Cache) Insert(frame domain.Frame) {
	cf := c.clip(frame.Clip, true)

	cf.mu.Lock()
	if el, ok := cf.frames[frame.PTS]; ok {
		el.Value = &cacheEntry{pts: frame.PTS, frame: frame}
		cf.lru.MoveToFront(el)
		cf.mu.Unlock()
		return
	}
	cf.frames[frame.PTS] = cf.lru.PushFront(&cacheEntry{pts: frame.PTS, frame: frame})
	evicted := 0
	for cf.lru.Len() > c.maxPerClip {
		back := cf.lru.Back()
		cf.lru.Remove(back)
		delete(cf.frames, back.Value.(*cacheEntry).pts)
		evicted++
	}
	cf.mu.Unlock()

	metrics.CachedFrames.Add(float64(1 - evicted))
}

func (c *Cache) Warm(clip domain.ClipID, pts time.Duration) bool {
	cf := c.clip(clip, false)
	if cf == nil {
		return false
	}
	cf.mu.Lock()
	el, ok := cf.frames[pts]
	if ok {
		cf.lru.MoveToFront(el)
	}
	cf.mu.Unlock()
	return ok
}

// Get returns the cached frame for an exact presentation time.
func (c *Cache) Get(clip domain.ClipID, pts time.Duration) (domain.Frame, bool) {
	cf := c.clip(clip, false)
	if cf == nil {
		return domain.Frame{}, false
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	el, ok := cf.frames[pts]
	if !ok {
		return domain.Frame{}, false
	}
	cf.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).frame, true
}

// WarmCount reports how many cached frames fall inside [from, to).
func (c *Cache) WarmCount(clip domain.ClipID, from, to time.Duration) int {
	cf := c.clip(clip, false)
	if cf == nil {
		return 0
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	n := 0
	for pts := range cf.frames {
		if pts >= from && pts < to {
			n++
		}
	}
	return n
}

// PruneBefore drops every frame earlier than t for the clip.
func (c *Cache) PruneBefore(clip domain.ClipID, t time.Duration) {
	cf := c.clip(clip, false)
	if cf == nil {
		return
	}
	cf.mu.Lock()
	removed := 0
	for pts, el := range cf.frames {
		if pts < t {
			cf.lru.Remove(el)
			delete(cf.frames, pts)
			removed++
		}
	}
	cf.mu.Unlock()
	metrics.CachedFrames.Sub(float64(removed))
}

// Forget drops all state for a clip.
func (c *Cache) Forget(clip domain.ClipID) {
	c.mu.Lock()
	cf := c.clips[clip]
	delete(c.clips, clip)
	c.mu.Unlock()
	if cf == nil {
		return
	}
	cf.mu.Lock()
	n := len(cf.frames)
	cf.frames = make(map[time.Duration]*list.Element)
	cf.lru.Init()
	cf.mu.Unlock()
	metrics.CachedFrames.Sub(float64(n))
}

// Len returns the total number of cached frames across all clips.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, cf := range c.clips {
		cf.mu.Lock()
		n += len(cf.frames)
		cf.mu.Unlock()
	}
	return n
}
