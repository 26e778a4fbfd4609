package blinktree

import (
	"encoding/binary"
	"sort"
	"sync/atomic"
	"unsafe"
)

// node is a typed view over one fixed-size node slot, either inside the
// shared mapping or inside a private copy.
//
// Every node ends with its high key: an exclusive upper bound of the key
// range it owns. Internal entry (k_i, c_i) routes [k_{i-1}, k_i) to child
// c_i. A leaf stores (key, record) pairs followed by a fence slot (high, 0).
// The rightmost node of a level has KeyInf as its high key.
type node struct {
	buf []byte
	l   nodeLayout
}

func newNode(buf []byte, l nodeLayout) node {
	return node{buf: buf[:l.size], l: l}
}

func (n node) key(i int) uint64 {
	return binary.LittleEndian.Uint64(n.buf[8*i:])
}

func (n node) setKey(i int, k uint64) {
	binary.LittleEndian.PutUint64(n.buf[8*i:], k)
}

func (n node) ptr(i int) int64 {
	return int64(binary.LittleEndian.Uint64(n.buf[n.l.ptrsOff()+8*i:]))
}

func (n node) setPtr(i int, p int64) {
	binary.LittleEndian.PutUint64(n.buf[n.l.ptrsOff()+8*i:], uint64(p))
}

func (n node) Count() int {
	return int(binary.LittleEndian.Uint64(n.buf[n.l.countOff():]))
}

func (n node) setCount(c int) {
	binary.LittleEndian.PutUint64(n.buf[n.l.countOff():], uint64(c))
}

func (n node) Link() int64 {
	return int64(binary.LittleEndian.Uint64(n.buf[n.l.linkOff():]))
}

func (n node) setLink(off int64) {
	binary.LittleEndian.PutUint64(n.buf[n.l.linkOff():], uint64(off))
}

func (n node) Level() uint32 {
	return binary.LittleEndian.Uint32(n.buf[n.l.levelOff():])
}

func (n node) setLevel(level uint32) {
	binary.LittleEndian.PutUint32(n.buf[n.l.levelOff():], level)
}

func (n node) flags() uint32 {
	return binary.LittleEndian.Uint32(n.buf[n.l.flagsOff():])
}

func (n node) setFlags(f uint32) {
	binary.LittleEndian.PutUint32(n.buf[n.l.flagsOff():], f)
}

func (n node) IsLeaf() bool { return n.flags()&nodeFlagLeaf != 0 }
func (n node) IsRoot() bool { return n.flags()&nodeFlagRoot != 0 }

// seq is odd while a writer is mutating the node.
func (n node) seq() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&n.buf[n.l.seqOff()]))
}

func (n node) beginWrite() { n.seq().Add(1) }
func (n node) endWrite()   { n.seq().Add(1) }

func (n node) validate() error {
	c := n.Count()
	if c < 1 || c > n.l.slots {
		return ErrCorruptNode
	}
	return nil
}

func (n node) upperBound(key uint64) int {
	return sort.Search(n.Count(), func(i int) bool {
		return n.key(i) > key
	})
}

func (n node) lowerBound(key uint64) int {
	return sort.Search(n.Count(), func(i int) bool {
		return n.key(i) >= key
	})
}

// ScanFor returns the pointer of the first slot whose key is greater than
// key, or the right link when key is at or above the high key.
func (n node) ScanFor(key uint64) int64 {
	i := n.upperBound(key)
	if i == n.Count() {
		return n.Link()
	}
	return n.ptr(i)
}

// mustMoveRight reports whether key belongs to a node further right. Keys
// below MinKey stay: the node is the leftmost one the descent could reach.
func (n node) mustMoveRight(key uint64) bool {
	return !n.IsWithin(key) && key >= n.MinKey() && n.Link() != 0
}

// Insert places (key, p) in sorted position. An existing key has its pointer
// replaced. The caller holds the write latch and must check IsSafe after.
func (n node) Insert(key uint64, p int64) {
	c := n.Count()
	i := n.lowerBound(key)
	if i < c && n.key(i) == key {
		n.setPtr(i, p)
		return
	}
	if c >= n.l.slots {
		panic("blinktree: insert into an overflowed node")
	}
	copy(n.buf[8*(i+1):8*(c+1)], n.buf[8*i:8*c])
	po := n.l.ptrsOff()
	copy(n.buf[po+8*(i+1):po+8*(c+1)], n.buf[po+8*i:po+8*c])
	n.setKey(i, key)
	n.setPtr(i, p)
	n.setCount(c + 1)
}

// InsertSeparator records that the child routed by sep was split at sep and
// everything from sep upward now lives in right.
func (n node) InsertSeparator(sep uint64, right int64) {
	i := n.upperBound(sep)
	if i == n.Count() {
		panic("blinktree: separator beyond high key")
	}
	if i > 0 && n.key(i-1) == sep {
		return
	}
	old := n.ptr(i)
	n.setPtr(i, right)
	n.Insert(sep, old)
}

// wouldGrow reports whether inserting key (a separator for internal nodes)
// adds a slot.
func (n node) wouldGrow(key uint64) bool {
	if n.IsLeaf() {
		i := n.lowerBound(key)
		return !(i < n.Count() && n.key(i) == key)
	}
	i := n.upperBound(key)
	return !(i > 0 && n.key(i-1) == key)
}

func (n node) Contains(key uint64) bool {
	return n.RecordFor(key) != 0
}

func (n node) RecordFor(key uint64) int64 {
	i := n.lowerBound(key)
	if i < n.Count() && n.key(i) == key {
		return n.ptr(i)
	}
	return 0
}

// IsWithin reports whether key lies in [MinKey, MaxKey).
func (n node) IsWithin(key uint64) bool {
	return n.MinKey() <= key && key < n.MaxKey()
}

// Remove tombstones key. It returns true only if an active entry was cleared.
func (n node) Remove(key uint64) bool {
	i := n.lowerBound(key)
	if i < n.Count() && n.key(i) == key && n.ptr(i) != 0 {
		n.setPtr(i, 0)
		return true
	}
	return false
}

func (n node) IsSafe() bool {
	return n.Count() <= 2*n.l.order
}

func (n node) MinKey() uint64 { return n.key(0) }
func (n node) MaxKey() uint64 { return n.key(n.Count() - 1) }

// Split moves entries [order, count) into right, truncates n to order
// entries and links n -> right -> n's old sibling. A leaf gets a fresh fence
// equal to right's first key. The returned separator is n's new high key.
func (n node) Split(right node, rightOff int64) uint64 {
	c, k := n.Count(), n.l.order
	moved := c - k
	copy(right.buf[:8*moved], n.buf[8*k:8*c])
	po := n.l.ptrsOff()
	copy(right.buf[po:po+8*moved], n.buf[po+8*k:po+8*c])
	right.setCount(moved)
	right.setLink(n.Link())
	right.setLevel(n.Level())
	right.setFlags(n.flags() &^ nodeFlagRoot)

	clear(n.buf[8*k : 8*c])
	clear(n.buf[po+8*k : po+8*c])
	n.setCount(k)
	if n.IsLeaf() {
		n.setKey(k, right.MinKey())
		n.setPtr(k, 0)
		n.setCount(k + 1)
	}
	n.setLink(rightOff)
	return n.MaxKey()
}

// SplitRoot splits the root n into n and sibling and fills newRoot with the
// two children, one level above.
func (n node) SplitRoot(newRoot, sibling node, siblingOff, selfOff int64) uint64 {
	n.setFlags(n.flags() &^ nodeFlagRoot)
	sep := n.Split(sibling, siblingOff)
	newRoot.setKey(0, sep)
	newRoot.setPtr(0, selfOff)
	newRoot.setKey(1, KeyInf)
	newRoot.setPtr(1, siblingOff)
	newRoot.setCount(2)
	newRoot.setLink(0)
	newRoot.setLevel(n.Level() + 1)
	newRoot.setFlags(nodeFlagRoot)
	return sep
}

func (n node) initRootLeaf() {
	n.setKey(0, KeyInf)
	n.setPtr(0, 0)
	n.setCount(1)
	n.setLink(0)
	n.setLevel(0)
	n.setFlags(nodeFlagLeaf | nodeFlagRoot)
}

func (n node) clone() node {
	buf := make([]byte, len(n.buf))
	copy(buf, n.buf)
	return node{buf: buf, l: n.l}
}
