package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionTTL      = 24 * time.Hour
	sessionCapacity = 1000
)

type sessionEntry struct {
	id        string
	pluginID  string
	createdAt time.Time
}

// sessionCache is the gateway's bearer-session cache: a TTL-bounded,
// capacity-bounded table mapping an opaque session id back to the plugin id
// it was minted for. Full at capacity, the oldest entry is evicted to make
// room — this is a cache of recent authentications, not a durable store.
type sessionCache struct {
	mu    sync.Mutex
	byID  map[string]*sessionEntry
	order []*sessionEntry
	nowFn func() time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{
		byID:  make(map[string]*sessionEntry),
		nowFn: time.Now,
	}
}

// create mints a new session bound to pluginID and returns its id.
func (c *sessionCache) create(pluginID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) >= sessionCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest.id)
	}

	e := &sessionEntry{id: uuid.NewString(), pluginID: pluginID, createdAt: c.nowFn()}
	c.byID[e.id] = e
	c.order = append(c.order, e)
	return e.id
}

// lookup resolves a session id to its bound plugin id, pruning it if
// expired.
func (c *sessionCache) lookup(id string) (pluginID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.byID[id]
	if !found {
		return "", false
	}
	if c.nowFn().Sub(e.createdAt) > sessionTTL {
		delete(c.byID, id)
		return "", false
	}
	return e.pluginID, true
}
