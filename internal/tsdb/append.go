package tsdb

import (
	"time"

	"github.com/google/uuid"

	"github.com/haysel/hayselnut/internal/errors"
)

// Append stores one record on the (station, channel) log, creating the
// station and channel on first sight.
//
// Sub-step ordering matters for crash consistency. New blocks are fully
// written before the pointer that makes them reachable is published, and
// the allocation cursor is persisted to the superblock before any pointer
// to the new block exists. A crash can strand an unreachable allocation
// (lost space, under bump-only allocation) but can never leave a reachable
// block that a later allocation would overwrite.
func (db *DB) Append(station, channel uuid.UUID, ts uint64, value float64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	key := chainKey{station, channel}
	if err := db.chainErr(key); err != nil {
		return err
	}

	ch, err := db.lookupOrCreateChain(station, channel)
	if err != nil {
		return err
	}

	// Monotonicity gate: per channel, timestamps never go backwards. An
	// out-of-order record is rejected with storage state unchanged, not
	// reordered or clamped.
	if ch.count() > 0 && ts < ch.lastTS() {
		db.stats.mu.Lock()
		db.stats.OutOfOrder++
		db.stats.mu.Unlock()
		return errors.Wrapf(errors.ErrRecordOutOfOrder,
			"timestamp %d precedes channel high-water mark %d", ts, ch.lastTS())
	}

	tailOff := ch.tail()
	var tail pageView

	switch {
	case tailOff == nilOffset:
		// First record on this channel: allocate the first page and record
		// it as both head and tail.
		pgOff, pg, err := db.allocPage()
		if err != nil {
			return err
		}
		pg.append(0, Record{Timestamp: ts, Value: value})
		ch.setHead(pgOff)
		ch.setTail(pgOff)
		ch.setPageCount(1)
		db.countPage()

	default:
		tail, err = db.page(tailOff)
		if err != nil {
			db.poison(key, err)
			return err
		}
		n := tail.count()
		if n > db.pageCap {
			err := errors.NewCorruptf("tail page holds %d records, capacity %d", n, db.pageCap)
			db.poison(key, err)
			return err
		}

		if n < db.pageCap {
			// Room in the tail page.
			tail.append(n, Record{Timestamp: ts, Value: value})
		} else {
			// Tail page full: allocate a fresh page, write its contents,
			// then publish the link from the old tail, then advance the
			// channel's tail pointer.
			pgOff, pg, err := db.allocPage()
			if err != nil {
				return err
			}
			pg.append(0, Record{Timestamp: ts, Value: value})
			tail.setNext(pgOff)
			ch.setTail(pgOff)
			ch.setPageCount(ch.pageCount() + 1)
			db.countPage()
		}
	}

	ch.setLastTS(ts)
	ch.setCount(ch.count() + 1)

	db.stats.mu.Lock()
	db.stats.RecordsWritten++
	db.stats.mu.Unlock()

	return nil
}

// allocPage carves a zeroed page out of the arena and persists the bumped
// cursor before returning.
func (db *DB) allocPage() (uint64, pageView, error) {
	off, err := db.arena.Allocate(pageSize(db.pageCap))
	if err != nil {
		return nilOffset, nil, err
	}
	if err := db.persistCursor(); err != nil {
		return nilOffset, nil, err
	}
	pg, err := db.page(off)
	if err != nil {
		return nilOffset, nil, err
	}
	return off, pg, nil
}

// persistCursor mirrors the arena's bump cursor into the superblock.
func (db *DB) persistCursor() error {
	sb, err := db.superblock()
	if err != nil {
		return err
	}
	sb.setCursor(db.arena.Cursor())
	return nil
}

func (db *DB) countPage() {
	db.stats.mu.Lock()
	db.stats.PagesAllocated++
	db.stats.mu.Unlock()
}

// lookupOrCreateChain resolves the channel block for (station, channel),
// creating the station and/or channel block on first sighting. Station
// identifiers are immutable once created.
func (db *DB) lookupOrCreateChain(station, channel uuid.UUID) (channelView, error) {
	stOff, err := db.findStation(station)
	if err != nil {
		return nil, err
	}

	if stOff == nilOffset {
		stOff, err = db.createStation(station)
		if err != nil {
			return nil, err
		}
	}

	st, err := db.station(stOff)
	if err != nil {
		return nil, err
	}

	chOff, err := db.findChannel(st, channel)
	if err != nil {
		return nil, err
	}
	if chOff == nilOffset {
		chOff, err = db.createChannel(st, channel)
		if err != nil {
			return nil, err
		}
	}
	return db.channel(chOff)
}

// createStation allocates and publishes a station block at the head of the
// directory list.
func (db *DB) createStation(id uuid.UUID) (uint64, error) {
	sb, err := db.superblock()
	if err != nil {
		return nilOffset, err
	}

	off, err := db.arena.Allocate(stationBlockSize)
	if err != nil {
		return nilOffset, err
	}
	if err := db.persistCursor(); err != nil {
		return nilOffset, err
	}

	st, err := db.station(off)
	if err != nil {
		return nilOffset, err
	}

	st.init(id, time.Now().Unix(), sb.stationHead())
	sb.setStationHead(off)
	sb.setStationCount(sb.stationCount() + 1)

	db.stats.mu.Lock()
	db.stats.StationsCreated++
	db.stats.mu.Unlock()
	db.log.Info("station created", "station", id)
	return off, nil
}

// createChannel allocates and publishes a channel block at the head of the
// station's channel list.
func (db *DB) createChannel(st stationView, id uuid.UUID) (uint64, error) {
	stationID := st.id()

	off, err := db.arena.Allocate(channelBlockSize)
	if err != nil {
		return nilOffset, err
	}
	if err := db.persistCursor(); err != nil {
		return nilOffset, err
	}

	ch, err := db.channel(off)
	if err != nil {
		return nilOffset, err
	}

	// st may point into a mapping retired by the allocation above. Retired
	// mappings are MAP_SHARED over the same file and stay mapped until
	// Close, so the view remains coherent.
	ch.init(id, st.channelHead())
	st.setChannelHead(off)

	db.stats.mu.Lock()
	db.stats.ChannelsCreated++
	db.stats.mu.Unlock()
	db.log.Info("channel created", "station", stationID, "channel", id)
	return off, nil
}
