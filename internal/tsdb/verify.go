package tsdb

import (
	"github.com/haysel/hayselnut/internal/errors"
)

// Structural verification.
//
// Mutations are applied in place with no write-ahead log, so a crash
// between the sub-steps of an append can strand a chain in an inconsistent
// state: a tail pointer that was never advanced, a next-pointer cycle
// introduced by a torn pointer write, or page fill that disagrees with the
// channel's record count. Readers must detect this and fail with a
// storage-corrupt error instead of silently returning wrong or partial
// data. Damaged chains are poisoned; the rest of the store stays usable.

func corruptCycle() error {
	return errors.NewCorrupt("page chain longer than recorded page count (cycle or torn link)")
}

func corruptOverfull(n, cap uint32) error {
	return errors.NewCorruptf("page holds %d records, capacity %d", n, cap)
}

func corruptBounds(min, max uint64) error {
	return errors.NewCorruptf("page time bounds inverted (min %d > max %d)", min, max)
}

// verifyAll walks the directory and verifies every chain. Chain-level
// damage poisons the individual chain; directory-level damage (an
// unreadable station or channel list) fails the open.
func (db *DB) verifyAll() error {
	sb, err := db.superblock()
	if err != nil {
		return err
	}

	limit := sb.stationCount()
	stOff := sb.stationHead()
	for n := uint32(0); stOff != nilOffset; n++ {
		if n >= limit {
			return errors.NewCorrupt("station directory longer than recorded count")
		}
		st, err := db.station(stOff)
		if err != nil {
			return err
		}

		chOff := st.channelHead()
		seen := uint64(0)
		for chOff != nilOffset {
			if seen++; seen > maxChannelsPerStation {
				return errors.NewCorrupt("channel list exceeds limit (cycle?)")
			}
			ch, err := db.channel(chOff)
			if err != nil {
				return err
			}
			key := chainKey{st.id(), ch.id()}
			if err := db.verifyChain(ch); err != nil {
				db.poison(key, err)
			}
			chOff = ch.next()
		}
		stOff = st.next()
	}
	return nil
}

// verifyChain checks the structural invariants of one channel log:
//
//   - an empty log has no head, no tail, and zero counts
//   - the walk from head terminates after exactly pageCount pages (no
//     cycle, no torn link)
//   - the final page of the walk is the recorded tail (tail reachable)
//   - every page respects capacity and has ordered time bounds
//   - chain order holds: each page's min >= the previous page's max
//   - only the tail page may be partially filled
//   - summed page fill equals the channel record count, and the tail's
//     max timestamp equals the channel high-water mark
func (db *DB) verifyChain(ch channelView) error {
	head := ch.head()
	if head == nilOffset {
		if ch.tail() != nilOffset || ch.pageCount() != 0 || ch.count() != 0 {
			return errors.NewCorrupt("empty chain with non-empty metadata")
		}
		return nil
	}
	if ch.tail() == nilOffset || ch.pageCount() == 0 {
		return errors.NewCorrupt("chain has head but no tail")
	}

	var (
		total   uint64
		prevMax uint64
		off     = head
		walked  uint64
		lastOff uint64
	)

	for off != nilOffset {
		if walked >= ch.pageCount() {
			return corruptCycle()
		}
		walked++

		pg, err := db.page(off)
		if err != nil {
			return err
		}
		n := pg.count()
		if n > db.pageCap {
			return corruptOverfull(n, db.pageCap)
		}
		if n == 0 && walked < ch.pageCount() {
			return errors.NewCorrupt("empty page before chain tail")
		}
		if n > 0 {
			if pg.minTS() > pg.maxTS() {
				return corruptBounds(pg.minTS(), pg.maxTS())
			}
			if walked > 1 && pg.minTS() < prevMax {
				return errors.NewCorruptf("chain order violated (page min %d < previous max %d)",
					pg.minTS(), prevMax)
			}
			prevMax = pg.maxTS()
		}

		next := pg.next()
		if next != nilOffset && n != db.pageCap {
			return errors.NewCorruptf("interior page holds %d records, expected full page of %d",
				n, db.pageCap)
		}

		total += uint64(n)
		lastOff = off
		off = next
	}

	if walked != ch.pageCount() {
		return errors.NewCorruptf("chain has %d pages, metadata records %d", walked, ch.pageCount())
	}
	if lastOff != ch.tail() {
		return errors.NewCorrupt("recorded tail unreachable from head")
	}
	if total != ch.count() {
		return errors.NewCorruptf("chain holds %d records, metadata records %d", total, ch.count())
	}
	if total > 0 && prevMax != ch.lastTS() {
		return errors.NewCorruptf("tail max timestamp %d disagrees with high-water mark %d",
			prevMax, ch.lastTS())
	}
	return nil
}
