package tsdb

import (
	"github.com/google/uuid"
)

// Cursor is a lazy, finite, forward-only sequence of records produced by a
// range query. It is not restartable: once consumed it cannot be rewound.
//
// Usage:
//
//	cur, err := db.QueryRange(station, channel, start, end)
//	for rec, ok := cur.Next(); ok; rec, ok = cur.Next() { ... }
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	db  *DB
	key chainKey

	start uint64
	end   uint64

	// traversal state
	pg        pageView
	pgOff     uint64
	idx       uint32
	pagesLeft uint64 // cycle guard: pages remaining before the walk is structurally impossible

	done bool
	err  error
}

// QueryRange produces the records on (station, channel) whose timestamp t
// satisfies start <= t < end, in increasing time order.
//
// An unknown station or channel yields an empty cursor, not an error, as
// does start > end. Structural damage found during the walk surfaces
// through Cursor.Err as a storage-corrupt error.
func (db *DB) QueryRange(station, channel uuid.UUID, start, end uint64) (*Cursor, error) {
	key := chainKey{station, channel}
	cur := &Cursor{db: db, key: key, start: start, end: end}

	if err := db.chainErr(key); err != nil {
		cur.fail(err)
		return cur, nil
	}
	if start > end {
		cur.done = true
		return cur, nil
	}

	stOff, err := db.findStation(station)
	if err != nil {
		cur.fail(err)
		return cur, nil
	}
	if stOff == nilOffset {
		cur.done = true
		return cur, nil
	}
	st, err := db.station(stOff)
	if err != nil {
		cur.fail(err)
		return cur, nil
	}
	chOff, err := db.findChannel(st, channel)
	if err != nil {
		cur.fail(err)
		return cur, nil
	}
	if chOff == nilOffset {
		cur.done = true
		return cur, nil
	}
	ch, err := db.channel(chOff)
	if err != nil {
		cur.fail(err)
		return cur, nil
	}

	head := ch.head()
	if head == nilOffset || ch.count() == 0 {
		cur.done = true
		return cur, nil
	}

	// The page count doubles as the cycle guard: walking more pages than
	// the chain records is structurally impossible in a well-formed store.
	cur.pagesLeft = ch.pageCount()

	startOff := head
	if db.index != nil {
		if off, ok := db.index.seek(key, ch, start); ok {
			startOff = off
		}
	}

	cur.pgOff = startOff
	if err := cur.loadPage(); err != nil {
		cur.fail(err)
		return cur, nil
	}
	cur.skipToStart()
	return cur, nil
}

// fail poisons the cursor (and the chain, when the error is structural).
func (c *Cursor) fail(err error) {
	c.err = err
	c.done = true
	if c.db != nil {
		c.db.poison(c.key, err)
	}
}

// loadPage resolves the page at c.pgOff and validates its header.
func (c *Cursor) loadPage() error {
	if c.pagesLeft == 0 {
		return corruptCycle()
	}
	c.pagesLeft--

	pg, err := c.db.page(c.pgOff)
	if err != nil {
		return err
	}
	n := pg.count()
	if n > c.db.pageCap {
		return corruptOverfull(n, c.db.pageCap)
	}
	if n > 0 && pg.minTS() > pg.maxTS() {
		return corruptBounds(pg.minTS(), pg.maxTS())
	}
	c.pg = pg
	c.idx = 0
	return nil
}

// skipToStart advances past pages that lie entirely before the range, then
// binary-searches the first overlapping page for the first timestamp >=
// start. Pages are skipped on their [min,max] header interval alone.
func (c *Cursor) skipToStart() {
	for {
		if c.pg.count() > 0 && c.pg.maxTS() >= c.start {
			c.idx = c.pg.searchFrom(c.start)
			if c.idx < c.pg.count() {
				return
			}
		}
		next := c.pg.next()
		if next == nilOffset {
			c.done = true
			return
		}
		c.pgOff = next
		if err := c.loadPage(); err != nil {
			c.fail(err)
			return
		}
	}
}

// Next returns the next record in the range. The second return is false
// when the sequence is exhausted or an error occurred; check Err after.
func (c *Cursor) Next() (Record, bool) {
	if c.done {
		return Record{}, false
	}

	for {
		if c.idx < c.pg.count() {
			rec := c.pg.record(c.idx)
			if rec.Timestamp >= c.end {
				c.done = true
				return Record{}, false
			}
			c.idx++
			return rec, true
		}

		next := c.pg.next()
		if next == nilOffset {
			c.done = true
			return Record{}, false
		}
		c.pgOff = next
		if err := c.loadPage(); err != nil {
			c.fail(err)
			return Record{}, false
		}
		// Every page's min is >= the previous page's max, so a page
		// starting past the end of the range terminates the walk.
		if c.pg.count() > 0 && c.pg.minTS() >= c.end {
			c.done = true
			return Record{}, false
		}
	}
}

// Err returns the error that terminated the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Collect drains the cursor into a slice. Intended for tests and small
// result sets; large queries should consume the cursor incrementally.
func (c *Cursor) Collect() ([]Record, error) {
	var out []Record
	for rec, ok := c.Next(); ok; rec, ok = c.Next() {
		out = append(out, rec)
	}
	return out, c.Err()
}
