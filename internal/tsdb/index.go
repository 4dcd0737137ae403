package tsdb

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// chainIndex is a coarse, in-memory index of page time bounds, layered on
// top of the chains purely as an optimization: locating the first page
// overlapping a query range without an O(chain length) header walk.
// Correctness never depends on it: a stale or missing entry only means
// the walk starts earlier in the chain.
//
// Entries are built lazily per chain, cached with a memory budget, and
// rebuilt once a chain grows too far past the entry. Concurrent builds for
// the same chain are collapsed into one walk.
type chainIndex struct {
	db     *DB
	bucket uint64
	cache  *ristretto.Cache[string, *chainIndexEntry]
	group  singleflight.Group
}

// pageBound is the header summary of one page.
type pageBound struct {
	off   uint64
	minTS uint64
	maxTS uint64
}

// chainIndexEntry is the built index for one chain. pageCount pins the
// chain length at build time; a mismatch at lookup marks the entry stale.
type chainIndexEntry struct {
	pageCount uint64
	bounds    []pageBound
}

const pageBoundCost = 24 // bytes per bounds element, for cache accounting

func newChainIndex(db *DB, bucket time.Duration, maxCost int64) (*chainIndex, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *chainIndexEntry]{
		NumCounters: 1 << 14,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &chainIndex{
		db:     db,
		bucket: uint64(bucket / time.Second),
		cache:  cache,
	}, nil
}

func (ix *chainIndex) close() {
	ix.cache.Close()
}

// seek returns the offset of the page the query walk should start from for
// a query beginning at start. ok is false when the index has nothing
// better than the chain head.
func (ix *chainIndex) seek(key chainKey, ch channelView, start uint64) (uint64, bool) {
	entry := ix.lookup(key, ch)
	if entry == nil || len(entry.bounds) == 0 {
		return nilOffset, false
	}

	// First indexed page whose max timestamp reaches the range start. The
	// search is quantized down to the index bucket so that all queries in
	// the same bucket share a start page.
	target := start
	if ix.bucket > 0 {
		target = start - start%ix.bucket
	}

	lo, hi := 0, len(entry.bounds)
	for lo < hi {
		mid := (lo + hi) / 2
		if entry.bounds[mid].maxTS < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(entry.bounds) {
		// Range starts past every indexed page. The tail may have grown
		// since the build, so start from the last indexed page and let
		// the walk follow live next-pointers from there.
		lo = len(entry.bounds) - 1
	}
	return entry.bounds[lo].off, true
}

// indexRebuildLag is how many unindexed pages a chain may grow before a
// lookup rebuilds its entry. A stale entry is still a valid prefix of the
// chain (full pages are immutable and only the tail's max timestamp moves
// forward), so seeks through it stay correct; the lag only bounds how far
// past the indexed tail a walk may have to go.
const indexRebuildLag = 64

// lookup fetches the cached entry for a chain, rebuilding it when absent
// or too far behind the live chain. Returns nil when the chain cannot be
// indexed (including any structural error during the build walk, which
// the query walk will rediscover and report itself).
func (ix *chainIndex) lookup(key chainKey, ch channelView) *chainIndexEntry {
	name := key.String()
	pages := ch.pageCount()

	if entry, ok := ix.cache.Get(name); ok &&
		entry.pageCount <= pages && pages-entry.pageCount <= indexRebuildLag {
		return entry
	}

	v, err, _ := ix.group.Do(name, func() (interface{}, error) {
		entry, err := ix.build(ch.head(), pages)
		if err != nil {
			return nil, err
		}
		ix.cache.Set(name, entry, int64(len(entry.bounds))*pageBoundCost)
		return entry, nil
	})
	if err != nil {
		return nil
	}
	return v.(*chainIndexEntry)
}

// build walks the chain headers once and records each page's bounds.
func (ix *chainIndex) build(head uint64, pages uint64) (*chainIndexEntry, error) {
	entry := &chainIndexEntry{pageCount: pages, bounds: make([]pageBound, 0, pages)}

	off := head
	walked := uint64(0)
	for off != nilOffset && walked < pages {
		pg, err := ix.db.page(off)
		if err != nil {
			return nil, err
		}
		entry.bounds = append(entry.bounds, pageBound{off: off, minTS: pg.minTS(), maxTS: pg.maxTS()})
		off = pg.next()
		walked++
	}
	return entry, nil
}

// invalidate drops a chain's entry. Used when a chain is poisoned so a
// later repair or reopen never sees bounds built from damaged headers.
func (ix *chainIndex) invalidate(key chainKey) {
	ix.cache.Del(key.String())
}
