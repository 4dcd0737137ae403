// Package tsdb implements the hayselnut time-series store: a single
// memory-mapped file holding, per (station, channel), an append-only
// forward-linked chain of fixed-capacity, time-ordered record pages.
//
// The store has exactly one logical owner per process. All mutation
// (appends, block allocation, pointer publication) must come from one
// goroutine; range queries may run concurrently with appends because every
// structural pointer is published only after the bytes it makes reachable
// are fully written.
//
// There is no write-ahead log and no multi-field atomic commit. A crash
// between the sub-steps of an append can leave a chain inconsistent; the
// store detects that on open or on traversal and fails the affected chain
// with a storage-corrupt error rather than returning partial data.
package tsdb

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/logging"
	"github.com/haysel/hayselnut/internal/tsdb/arena"
)

// Options configures a store at open time.
type Options struct {
	// PageCapacity is the number of records per log page. Only consulted
	// when creating a new store; an existing store keeps the capacity it
	// was created with.
	PageCapacity uint32

	// InitialSize is the initial backing file size for a new store.
	InitialSize uint64

	// IndexBucket is the time-bucket width of the coarse page index.
	// Zero disables the index; queries then always walk from the chain head.
	IndexBucket time.Duration

	// IndexCacheSize is the memory budget for cached chain indexes.
	IndexCacheSize int64
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		PageCapacity:   config.DefaultPageCapacity,
		InitialSize:    config.DefaultInitialSize,
		IndexBucket:    config.DefaultIndexBucket,
		IndexCacheSize: config.DefaultIndexCacheSize,
	}
}

// chainKey identifies one (station, channel) log chain.
type chainKey struct {
	station uuid.UUID
	channel uuid.UUID
}

func (k chainKey) String() string {
	return k.station.String() + "/" + k.channel.String()
}

// DB is an open store.
type DB struct {
	log     *slog.Logger
	arena   *arena.Arena
	pageCap uint32

	// writeMu serializes mutation. The engine already funnels all writes
	// through one goroutine; the mutex makes the store safe on its own.
	writeMu sync.Mutex

	// poisoned tracks chains on which a structural invariant violation was
	// detected. Writes to a poisoned chain are refused until the process
	// is restarted against a repaired file.
	poisonMu sync.RWMutex
	poisoned map[chainKey]error

	index *chainIndex

	stats statsCounter
}

// Stats holds store counters.
type Stats struct {
	RecordsWritten  uint64 `json:"records_written"`
	PagesAllocated  uint64 `json:"pages_allocated"`
	StationsCreated uint64 `json:"stations_created"`
	ChannelsCreated uint64 `json:"channels_created"`
	OutOfOrder      uint64 `json:"out_of_order"`
	CorruptChains   uint64 `json:"corrupt_chains"`
}

type statsCounter struct {
	mu sync.Mutex
	Stats
}

// snapshot returns a copy of the counters.
func (s *statsCounter) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stats
}

// Open maps the store at path, creating and initializing it if the file is
// absent or empty. Opening an existing store verifies the superblock and
// walks every chain so that crash damage surfaces here, not mid-query.
func Open(path string, opts Options) (*DB, error) {
	if opts.PageCapacity == 0 {
		opts.PageCapacity = config.DefaultPageCapacity
	}

	a, err := arena.Open(path, opts.InitialSize)
	if err != nil {
		return nil, err
	}

	db := &DB{
		log:      logging.Component("tsdb"),
		arena:    a,
		poisoned: make(map[chainKey]error),
	}

	sb, err := db.superblock()
	if err != nil {
		a.Close()
		return nil, err
	}

	if sb.magic() == [8]byte{} && sb.cursor() == 0 {
		// Fresh store.
		sb.init(opts.PageCapacity, superblockSize, time.Now().Unix())
		db.pageCap = opts.PageCapacity
		if err := a.SetCursor(superblockSize); err != nil {
			a.Close()
			return nil, err
		}
		db.log.Info("initialized new store", "path", path, "page_capacity", opts.PageCapacity)
	} else {
		if sb.magic() != storeMagic {
			a.Close()
			return nil, errors.ErrNotAStore
		}
		if v := sb.version(); v != storeVersion {
			a.Close()
			return nil, fmt.Errorf("%w: store version %d, supported %d",
				errors.ErrVersionMismatch, v, storeVersion)
		}
		db.pageCap = sb.pageCapacity()
		if db.pageCap == 0 {
			a.Close()
			return nil, errors.NewCorrupt("superblock page capacity is zero")
		}
		if err := a.SetCursor(sb.cursor()); err != nil {
			a.Close()
			return nil, err
		}
		if err := db.verifyAll(); err != nil {
			// Damaged chains are poisoned individually; only a damaged
			// directory makes the whole store unusable.
			a.Close()
			return nil, err
		}
		db.log.Info("opened existing store", "path", path,
			"stations", sb.stationCount(), "page_capacity", db.pageCap)
	}

	if opts.IndexBucket > 0 {
		idx, err := newChainIndex(db, opts.IndexBucket, opts.IndexCacheSize)
		if err != nil {
			a.Close()
			return nil, err
		}
		db.index = idx
	}

	return db, nil
}

// Close syncs and unmaps the store.
func (db *DB) Close() error {
	if db.index != nil {
		db.index.close()
	}
	return db.arena.Close()
}

// Sync flushes the mapping to disk.
func (db *DB) Sync() error {
	return db.arena.Sync()
}

// PageCapacity returns the number of records per page for this store.
func (db *DB) PageCapacity() uint32 {
	return db.pageCap
}

// CreatedAt returns the store creation time.
func (db *DB) CreatedAt() (time.Time, error) {
	sb, err := db.superblock()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sb.createdAt(), 0), nil
}

// Snapshot returns a copy of the store counters.
func (db *DB) Snapshot() Stats {
	return db.stats.snapshot()
}

// =============================================================================
// Directory
// =============================================================================

func (db *DB) superblock() (superblockView, error) {
	b, err := db.arena.Bytes(0, superblockSize)
	if err != nil {
		return nil, err
	}
	return superblockView(b), nil
}

func (db *DB) station(off uint64) (stationView, error) {
	b, err := db.arena.Bytes(off, stationBlockSize)
	if err != nil {
		return nil, err
	}
	return stationView(b), nil
}

func (db *DB) channel(off uint64) (channelView, error) {
	b, err := db.arena.Bytes(off, channelBlockSize)
	if err != nil {
		return nil, err
	}
	return channelView(b), nil
}

func (db *DB) page(off uint64) (pageView, error) {
	b, err := db.arena.Bytes(off, pageSize(db.pageCap))
	if err != nil {
		return nil, err
	}
	return pageView(b), nil
}

// findStation walks the directory for the station with the given id.
// Returns nilOffset when the station does not exist.
func (db *DB) findStation(id uuid.UUID) (uint64, error) {
	sb, err := db.superblock()
	if err != nil {
		return nilOffset, err
	}

	limit := sb.stationCount()
	off := sb.stationHead()
	for n := uint32(0); off != nilOffset; n++ {
		if n >= limit {
			return nilOffset, errors.NewCorrupt("station directory longer than recorded count")
		}
		st, err := db.station(off)
		if err != nil {
			return nilOffset, err
		}
		if st.id() == id {
			return off, nil
		}
		off = st.next()
	}
	return nilOffset, nil
}

// findChannel walks a station's channel list for the given channel id.
func (db *DB) findChannel(st stationView, id uuid.UUID) (uint64, error) {
	off := st.channelHead()
	seen := uint64(0)
	for off != nilOffset {
		// A channel list is short; the arena bound is the only hard limit,
		// but a cheap cycle cap keeps a torn list from spinning forever.
		if seen++; seen > maxChannelsPerStation {
			return nilOffset, errors.NewCorrupt("channel list exceeds limit (cycle?)")
		}
		ch, err := db.channel(off)
		if err != nil {
			return nilOffset, err
		}
		if ch.id() == id {
			return off, nil
		}
		off = ch.next()
	}
	return nilOffset, nil
}

// maxChannelsPerStation bounds channel-list traversal. A weather station
// has a handful of channels; a list longer than this is structural damage.
const maxChannelsPerStation = 1 << 16

// Stations lists every station identifier in the directory.
func (db *DB) Stations() ([]uuid.UUID, error) {
	sb, err := db.superblock()
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, sb.stationCount())
	limit := sb.stationCount()
	off := sb.stationHead()
	for n := uint32(0); off != nilOffset; n++ {
		if n >= limit {
			return nil, errors.NewCorrupt("station directory longer than recorded count")
		}
		st, err := db.station(off)
		if err != nil {
			return nil, err
		}
		ids = append(ids, st.id())
		off = st.next()
	}
	return ids, nil
}

// Channels lists the channel identifiers recorded for a station. An unknown
// station yields an empty list, not an error.
func (db *DB) Channels(station uuid.UUID) ([]uuid.UUID, error) {
	stOff, err := db.findStation(station)
	if err != nil {
		return nil, err
	}
	if stOff == nilOffset {
		return nil, nil
	}
	st, err := db.station(stOff)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	off := st.channelHead()
	seen := uint64(0)
	for off != nilOffset {
		if seen++; seen > maxChannelsPerStation {
			return nil, errors.NewCorrupt("channel list exceeds limit (cycle?)")
		}
		ch, err := db.channel(off)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ch.id())
		off = ch.next()
	}
	return ids, nil
}

// StationCreatedAt returns the first-seen time of a station.
func (db *DB) StationCreatedAt(station uuid.UUID) (time.Time, error) {
	stOff, err := db.findStation(station)
	if err != nil {
		return time.Time{}, err
	}
	if stOff == nilOffset {
		return time.Time{}, fmt.Errorf("station %s: %w", station, errors.ErrStationNotFound)
	}
	st, err := db.station(stOff)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(st.createdAt(), 0), nil
}

// poison marks a chain as structurally damaged. Subsequent writes to it are
// refused; queries surface the stored error.
func (db *DB) poison(key chainKey, err error) {
	db.poisonMu.Lock()
	defer db.poisonMu.Unlock()
	if _, ok := db.poisoned[key]; !ok {
		db.poisoned[key] = err
		db.stats.mu.Lock()
		db.stats.CorruptChains++
		db.stats.mu.Unlock()
		db.log.Error("chain poisoned", "chain", key.String(), "error", err)
		if db.index != nil {
			db.index.invalidate(key)
		}
	}
}

// chainErr returns the poison error for a chain, if any.
func (db *DB) chainErr(key chainKey) error {
	db.poisonMu.RLock()
	defer db.poisonMu.RUnlock()
	return db.poisoned[key]
}
