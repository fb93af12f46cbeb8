package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kokoavailable/rfbreplay/av"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Cache keeps decoded stores in memory so that several sessions over the same
// capture share one immutable frame sequence. Entries are keyed by absolute
// path and modification time, so an edited file is decoded again.
type Cache struct {
	stores *cache.Cache
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		stores: cache.New(ttl, 2*ttl),
	}
}

func cacheKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@%d", abs, st.ModTime().UnixNano()), nil
}

// Open returns the store for path, decoding it on a miss.
func (c *Cache) Open(path string) (*av.Store, error) {
	key, err := cacheKey(path)
	if err != nil {
		return nil, err
	}
	if v, found := c.stores.Get(key); found {
		log.Debugf("[capture] cache hit %s", key)
		return v.(*av.Store), nil
	}

	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	c.stores.SetDefault(key, store)
	log.Infof("[capture] loaded %s: %d frames (%d server), %dms", path, store.Len(), store.ServerFrames(), store.Duration())
	return store, nil
}

func (c *Cache) Len() int {
	return c.stores.ItemCount()
}

func (c *Cache) Flush() {
	c.stores.Flush()
}
