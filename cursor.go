package blinktree

type cursorEntry struct {
	key uint64
	rec int64
}

// Cursor iterates live keys in ascending order along the leaf chain. It
// copies one leaf at a time, so concurrent inserts and splits never block it;
// keys inserted behind the cursor may or may not be observed.
type Cursor struct {
	t       *Tree
	entries []cursorEntry
	idx     int
	hi      uint64
	next    int64
	err     error
}

func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t, idx: -1}
}

// Seek positions the cursor at the first live key >= key.
func (c *Cursor) Seek(key uint64) bool {
	c.entries, c.idx, c.err = c.entries[:0], -1, nil
	if err := c.t.checkOpen(); err != nil {
		c.err = err
		return false
	}
	if key == KeyInf {
		return false
	}
	off, err := c.t.descend(key, nil, 0)
	if err != nil {
		c.err = err
		return false
	}
	return c.load(off, key)
}

// First positions the cursor at the smallest live key.
func (c *Cursor) First() bool {
	return c.Seek(0)
}

func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.idx < 0 {
		return c.First()
	}
	c.idx++
	if c.idx < len(c.entries) {
		return true
	}
	if c.next == 0 || c.hi == KeyInf {
		c.idx = len(c.entries)
		return false
	}
	return c.load(c.next, c.hi)
}

// load copies the live entries >= from of the leaf at off, stepping right
// over leaves that hold nothing for the cursor.
func (c *Cursor) load(off int64, from uint64) bool {
	for off != 0 {
		n, release, err := c.t.readNode(off)
		if err != nil {
			c.err = err
			return false
		}
		if n.mustMoveRight(from) {
			off = n.Link()
			release()
			continue
		}
		c.entries = c.entries[:0]
		for i := 0; i < n.Count(); i++ {
			if k, p := n.key(i), n.ptr(i); p != 0 && k >= from {
				c.entries = append(c.entries, cursorEntry{key: k, rec: p})
			}
		}
		c.hi, c.next = n.MaxKey(), n.Link()
		release()
		c.idx = 0
		if len(c.entries) > 0 {
			return true
		}
		if c.hi == KeyInf {
			break
		}
		off, from = c.next, c.hi
	}
	c.idx = len(c.entries)
	return false
}

func (c *Cursor) Valid() bool {
	return c.err == nil && c.idx >= 0 && c.idx < len(c.entries)
}

func (c *Cursor) Key() uint64 {
	return c.entries[c.idx].key
}

// RecordOffset returns the record offset bound to the current key.
func (c *Cursor) RecordOffset() int64 {
	return c.entries[c.idx].rec
}

func (c *Cursor) Value() ([]byte, error) {
	return c.t.records.read(c.entries[c.idx].rec)
}

func (c *Cursor) Err() error {
	return c.err
}
