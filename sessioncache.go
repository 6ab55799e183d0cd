package monsoon

import (
	cmap "github.com/zbh255/gocode/container/map"
)

// sessionCache is the per-session leaf-id -> block pointer cache spec.md
// §4.1 calls for ("a per-session leaf-id -> (offset, length) cache of
// positions written in this session"). It is keyed by the stable leaf id
// rather than by block offset, because the only lookup made against it is
// "where was leaf N last written", by blockLog.getNodeByID; range scans
// bypass it. The size passed to newSessionCache is ignored. Entries are
// never evicted: a
// session's leaf-id space is bounded by the tree's own size, not by scan
// volume, so the cache simply tracks the newest offset seen per id.
//
// Backed by the teacher's page_cache.go choice of an ordered B-tree map
// (github.com/zbh255/gocode/container/map) rather than a plain Go map.
type sessionCache struct {
	m *cmap.BTreeMap[uint64, blockPointer]
}

func newSessionCache(_ int) *sessionCache {
	return &sessionCache{m: cmap.NewBtreeMap[uint64, blockPointer](64)}
}

func (c *sessionCache) put(leafID uint64, ptr blockPointer) {
	c.m.StoreOk(leafID, ptr)
}

func (c *sessionCache) get(leafID uint64) (blockPointer, bool) {
	return c.m.LoadOk(leafID)
}
