package tsdb

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// On-disk layout (all integers little-endian, all pointers file offsets).
//
// Superblock, at offset 0:
//   - Magic (8 bytes) "HAYSELDB"
//   - Version (4 bytes)
//   - Page capacity (4 bytes, records per page)
//   - Allocation cursor (8 bytes)
//   - Station head offset (8 bytes, 0 = none)
//   - Station count (4 bytes) + padding (4 bytes)
//   - Created at (8 bytes, unix seconds)
//
// Station block:
//   - Station ID (16 bytes, UUID)
//   - Created at (8 bytes, unix seconds)
//   - Channel head offset (8 bytes, 0 = none)
//   - Next station offset (8 bytes, 0 = last)
//
// Channel block:
//   - Channel ID (16 bytes, UUID)
//   - Head page offset (8 bytes, 0 = empty log)
//   - Tail page offset (8 bytes)
//   - Page count (8 bytes)
//   - Last timestamp (8 bytes)
//   - Record count (8 bytes)
//   - Next channel offset (8 bytes, 0 = last)
//
// Page: header + fixed-capacity record array:
//   - Record count (4 bytes) + padding (4 bytes)
//   - Min timestamp (8 bytes)
//   - Max timestamp (8 bytes)
//   - Next page offset (8 bytes, 0 = tail)
//   - Records: capacity x { timestamp (8 bytes), value (8 bytes, float64) }
//
// Offset 0 holds the superblock, so 0 doubles as the null pointer.

var storeMagic = [8]byte{'H', 'A', 'Y', 'S', 'E', 'L', 'D', 'B'}

const (
	storeVersion = 1

	superblockSize = 48

	sbOffMagic        = 0
	sbOffVersion      = 8
	sbOffPageCapacity = 12
	sbOffCursor       = 16
	sbOffStationHead  = 24
	sbOffStationCount = 32
	sbOffCreatedAt    = 40

	stationBlockSize = 40

	stOffID          = 0
	stOffCreatedAt   = 16
	stOffChannelHead = 24
	stOffNext        = 32

	channelBlockSize = 64

	chOffID        = 0
	chOffHead      = 16
	chOffTail      = 24
	chOffPageCount = 32
	chOffLastTS    = 40
	chOffCount     = 48
	chOffNext      = 56

	pageHeaderSize = 32

	pgOffCount = 0
	pgOffMinTS = 8
	pgOffMaxTS = 16
	pgOffNext  = 24

	recordSize = 16
)

// nilOffset is the null file offset.
const nilOffset uint64 = 0

// pageSize returns the total on-disk size of a page holding cap records.
func pageSize(cap uint32) uint64 {
	return pageHeaderSize + uint64(cap)*recordSize
}

// Record is one stored reading: a per-channel non-decreasing timestamp and
// a fixed-width value payload.
type Record struct {
	Timestamp uint64  `json:"ts"`
	Value     float64 `json:"value"`
}

// =============================================================================
// Typed views over mapped bytes
// =============================================================================
//
// A view wraps the raw bytes of one block. Reads and writes go straight to
// the mapping; there is no serialize/deserialize step and no copy.

type superblockView []byte

func (v superblockView) magic() (m [8]byte)  { copy(m[:], v[sbOffMagic:]); return }
func (v superblockView) version() uint32     { return binary.LittleEndian.Uint32(v[sbOffVersion:]) }
func (v superblockView) pageCapacity() uint32 {
	return binary.LittleEndian.Uint32(v[sbOffPageCapacity:])
}
func (v superblockView) cursor() uint64      { return binary.LittleEndian.Uint64(v[sbOffCursor:]) }
func (v superblockView) stationHead() uint64 { return binary.LittleEndian.Uint64(v[sbOffStationHead:]) }
func (v superblockView) stationCount() uint32 {
	return binary.LittleEndian.Uint32(v[sbOffStationCount:])
}
func (v superblockView) createdAt() int64 {
	return int64(binary.LittleEndian.Uint64(v[sbOffCreatedAt:]))
}

func (v superblockView) init(pageCap uint32, cursor uint64, createdAt int64) {
	copy(v[sbOffMagic:], storeMagic[:])
	binary.LittleEndian.PutUint32(v[sbOffVersion:], storeVersion)
	binary.LittleEndian.PutUint32(v[sbOffPageCapacity:], pageCap)
	binary.LittleEndian.PutUint64(v[sbOffCursor:], cursor)
	binary.LittleEndian.PutUint64(v[sbOffStationHead:], nilOffset)
	binary.LittleEndian.PutUint32(v[sbOffStationCount:], 0)
	binary.LittleEndian.PutUint64(v[sbOffCreatedAt:], uint64(createdAt))
}

func (v superblockView) setCursor(off uint64) {
	binary.LittleEndian.PutUint64(v[sbOffCursor:], off)
}

func (v superblockView) setStationHead(off uint64) {
	binary.LittleEndian.PutUint64(v[sbOffStationHead:], off)
}

func (v superblockView) setStationCount(n uint32) {
	binary.LittleEndian.PutUint32(v[sbOffStationCount:], n)
}

type stationView []byte

func (v stationView) id() (id uuid.UUID)  { copy(id[:], v[stOffID:]); return }
func (v stationView) createdAt() int64    { return int64(binary.LittleEndian.Uint64(v[stOffCreatedAt:])) }
func (v stationView) channelHead() uint64 { return binary.LittleEndian.Uint64(v[stOffChannelHead:]) }
func (v stationView) next() uint64        { return binary.LittleEndian.Uint64(v[stOffNext:]) }

func (v stationView) init(id uuid.UUID, createdAt int64, next uint64) {
	copy(v[stOffID:], id[:])
	binary.LittleEndian.PutUint64(v[stOffCreatedAt:], uint64(createdAt))
	binary.LittleEndian.PutUint64(v[stOffChannelHead:], nilOffset)
	binary.LittleEndian.PutUint64(v[stOffNext:], next)
}

func (v stationView) setChannelHead(off uint64) {
	binary.LittleEndian.PutUint64(v[stOffChannelHead:], off)
}

type channelView []byte

func (v channelView) id() (id uuid.UUID) { copy(id[:], v[chOffID:]); return }
func (v channelView) head() uint64       { return binary.LittleEndian.Uint64(v[chOffHead:]) }
func (v channelView) tail() uint64       { return binary.LittleEndian.Uint64(v[chOffTail:]) }
func (v channelView) pageCount() uint64  { return binary.LittleEndian.Uint64(v[chOffPageCount:]) }
func (v channelView) lastTS() uint64     { return binary.LittleEndian.Uint64(v[chOffLastTS:]) }
func (v channelView) count() uint64      { return binary.LittleEndian.Uint64(v[chOffCount:]) }
func (v channelView) next() uint64       { return binary.LittleEndian.Uint64(v[chOffNext:]) }

func (v channelView) init(id uuid.UUID, next uint64) {
	copy(v[chOffID:], id[:])
	binary.LittleEndian.PutUint64(v[chOffHead:], nilOffset)
	binary.LittleEndian.PutUint64(v[chOffTail:], nilOffset)
	binary.LittleEndian.PutUint64(v[chOffPageCount:], 0)
	binary.LittleEndian.PutUint64(v[chOffLastTS:], 0)
	binary.LittleEndian.PutUint64(v[chOffCount:], 0)
	binary.LittleEndian.PutUint64(v[chOffNext:], next)
}

func (v channelView) setHead(off uint64)     { binary.LittleEndian.PutUint64(v[chOffHead:], off) }
func (v channelView) setTail(off uint64)     { binary.LittleEndian.PutUint64(v[chOffTail:], off) }
func (v channelView) setPageCount(n uint64)  { binary.LittleEndian.PutUint64(v[chOffPageCount:], n) }
func (v channelView) setLastTS(ts uint64)    { binary.LittleEndian.PutUint64(v[chOffLastTS:], ts) }
func (v channelView) setCount(n uint64)      { binary.LittleEndian.PutUint64(v[chOffCount:], n) }

type pageView []byte

func (v pageView) count() uint32 { return binary.LittleEndian.Uint32(v[pgOffCount:]) }
func (v pageView) minTS() uint64 { return binary.LittleEndian.Uint64(v[pgOffMinTS:]) }
func (v pageView) maxTS() uint64 { return binary.LittleEndian.Uint64(v[pgOffMaxTS:]) }
func (v pageView) next() uint64  { return binary.LittleEndian.Uint64(v[pgOffNext:]) }

func (v pageView) setNext(off uint64) { binary.LittleEndian.PutUint64(v[pgOffNext:], off) }

func (v pageView) record(i uint32) Record {
	off := pageHeaderSize + uint64(i)*recordSize
	return Record{
		Timestamp: binary.LittleEndian.Uint64(v[off:]),
		Value:     math.Float64frombits(binary.LittleEndian.Uint64(v[off+8:])),
	}
}

// append writes a record at slot i and publishes the updated header. The
// record bytes land before the count field advances, so a concurrent reader
// never observes a slot it cannot safely read.
func (v pageView) append(i uint32, r Record) {
	off := pageHeaderSize + uint64(i)*recordSize
	binary.LittleEndian.PutUint64(v[off:], r.Timestamp)
	binary.LittleEndian.PutUint64(v[off+8:], math.Float64bits(r.Value))

	if i == 0 {
		binary.LittleEndian.PutUint64(v[pgOffMinTS:], r.Timestamp)
	}
	binary.LittleEndian.PutUint64(v[pgOffMaxTS:], r.Timestamp)
	binary.LittleEndian.PutUint32(v[pgOffCount:], i+1)
}

// searchFrom returns the index of the first record in the page with
// timestamp >= ts. Records within a page are in non-decreasing timestamp
// order, so binary search applies.
func (v pageView) searchFrom(ts uint64) uint32 {
	lo, hi := uint32(0), v.count()
	for lo < hi {
		mid := (lo + hi) / 2
		if v.record(mid).Timestamp < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
