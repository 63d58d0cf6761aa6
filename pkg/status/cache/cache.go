package cache

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"

	"github.com/karlseguin/ccache"
)

const (
	cacheTimeout = time.Second * 15
)

// LastCache provides access to the last Status published for a node.
type LastCache interface {
	Last(node string) (status.Status, bool)
	Record(node string, s status.Status)
	// Changed reports whether s differs from the last Status recorded for
	// node, or whether that record went stale.
	Changed(node string, s status.Status) bool
}

type lastCache struct {
	cache   *ccache.Cache
	timeout time.Duration
}

// NewLastCache creates a cache whose records go stale after the default
// timeout.
func NewLastCache() LastCache {
	return NewLastCacheWithTimeout(cacheTimeout)
}

func NewLastCacheWithTimeout(timeout time.Duration) LastCache {
	return &lastCache{
		cache:   ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
		timeout: timeout,
	}
}

// Last returns the last Status recorded for node.
func (c *lastCache) Last(node string) (status.Status, bool) {
	val := c.cache.Get(node)
	if val == nil {
		return status.Status{}, false
	}
	if val.Expired() {
		return status.Status{}, false
	}
	last, ok := val.Value().(status.Status)
	if !ok {
		return status.Status{}, false
	}
	return last, true
}

// Record caches s as the most recent Status of node.
func (c *lastCache) Record(node string, s status.Status) {
	c.cache.Set(node, s, c.timeout)
}

func (c *lastCache) Changed(node string, s status.Status) bool {
	last, ok := c.Last(node)
	return !ok || last != s
}
