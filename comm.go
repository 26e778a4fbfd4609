package blinktree

import (
	"math"
	"strconv"
)

const (
	// KeyInf is the upper-bound sentinel stored in the last slot of the
	// rightmost node of every level. It is never a user key.
	KeyInf uint64 = math.MaxUint64

	defaultSegmentSize = 64 * 1024 * 1024
	minOrder           = 2
)

const (
	nodeFlagLeaf uint32 = 1 << iota
	nodeFlagRoot
)

// header page layout. root_offset, height and order are the persisted meta
// record; the rest lives in the page padding.
const (
	metaRootOff    = 0
	metaHeightOff  = 8
	metaOrderOff   = 16
	metaMagicOff   = 24
	metaPgSizeOff  = 28
	metaSegSizeOff = 32
	metaSeqOff     = 40
	metaSumOff     = 48
	metaSumLen     = metaSeqOff
	// metaLatchLen is the byte range covered by the meta latch
	metaLatchLen = 64
	// allocLatchOff is the header byte the allocator locks while it extends the file
	allocLatchOff = 64
)

var metaMagic = [4]byte{'B', 'L', 'N', 'K'}

// nodeLayout describes the fixed encoding of a node of a given order:
//
//	keys[S] uint64 | ptrs[S] int64 | count uint64 | link int64 | level uint32 | flags uint32 | seq uint64
//
// with S = 2*order+1, padded to a whole number of pages.
type nodeLayout struct {
	order int
	slots int
	size  int
}

func newNodeLayout(order int, pageSize int) nodeLayout {
	slots := 2*order + 1
	raw := 16*slots + 32
	return nodeLayout{
		order: order,
		slots: slots,
		size:  alignUp(raw, pageSize),
	}
}

func (l nodeLayout) ptrsOff() int  { return 8 * l.slots }
func (l nodeLayout) countOff() int { return 16 * l.slots }
func (l nodeLayout) linkOff() int  { return 16*l.slots + 8 }
func (l nodeLayout) levelOff() int { return 16*l.slots + 16 }
func (l nodeLayout) flagsOff() int { return 16*l.slots + 20 }
func (l nodeLayout) seqOff() int   { return 16*l.slots + 24 }

// Meta is a snapshot of the header record.
type Meta struct {
	RootOffset int64
	Height     uint64
	Order      uint64
}

func (m Meta) String() string {
	return "root=" + strconv.FormatInt(m.RootOffset, 10) +
		" height=" + strconv.FormatUint(m.Height, 10) +
		" order=" + strconv.FormatUint(m.Order, 10)
}
