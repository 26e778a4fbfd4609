package blinktree

import (
	"encoding/binary"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nyan233/blinktree/internal/sys"
	"github.com/pkg/errors"
)

// rootPublishWarn is how long a writer waits for a concurrent root split to
// publish the new root before it logs a warning. The wait itself is unbounded.
const rootPublishWarn = 5 * time.Second

type Config struct {
	// Path of the tree file, created if missing.
	Path string
	// Order K bounds every node to 2K entries between splits. Required to
	// bootstrap an empty file; 0 opens an existing file with its own order.
	Order int
	// SegmentSize is the mapping stride used when bootstrapping. Existing
	// files keep the value recorded in their header.
	SegmentSize int64
	// NoSync skips msync/fsync. Only durability is affected. Without it the
	// file is synced on every split and on Close, plain inserts and removes
	// are left to the page cache.
	NoSync bool
	// RecordCacheSize is the byte budget of the record cache, 0 disables it.
	RecordCacheSize int64
	Logger          *slog.Logger
}

// Tree is a handle on a disk-backed B-link tree mapping uint64 keys to
// immutable byte records. A Tree is safe for concurrent use, and any number
// of handles in any number of processes may operate on the same file.
type Tree struct {
	cfg     Config
	sf      *sharedFile
	layout  nodeLayout
	meta    *metaManager
	records *recordStore
	logger  *slog.Logger
	closed  atomic.Bool
}

func NewTree(cfg Config) *Tree {
	return &Tree{cfg: cfg}
}

// Open opens an existing tree file.
func Open(path string) (*Tree, error) {
	t := NewTree(Config{Path: path})
	if err := t.Init(); err != nil {
		return nil, err
	}
	return t, nil
}

// Bootstrap creates the tree file at path with the given order. It is a no-op
// when the file already holds a tree of that order.
func Bootstrap(path string, order int) error {
	t := NewTree(Config{Path: path, Order: order})
	if err := t.Init(); err != nil {
		return err
	}
	return t.Close()
}

func (t *Tree) Init() (err error) {
	if t.cfg.Logger == nil {
		t.cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if t.cfg.SegmentSize == 0 {
		t.cfg.SegmentSize = defaultSegmentSize
	}
	if t.cfg.Order != 0 && t.cfg.Order < minOrder {
		return errors.Wrapf(ErrInvalidOrder, "order %d", t.cfg.Order)
	}
	t.logger = t.cfg.Logger
	t.sf, err = acquireFile(t.cfg.Path, t.logger)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = t.sf.release()
			t.sf = nil
		}
	}()
	want := geometry{
		order:       t.cfg.Order,
		pageSize:    sys.GetSysPageSize(),
		segmentSize: alignUp64(t.cfg.SegmentSize, int64(sys.GetSysPageSize())),
	}
	geo, err := t.sf.openGeometry(want, t.cfg.NoSync)
	if err != nil {
		return
	}
	if err = t.sf.attach(geo); err != nil {
		return
	}
	t.layout = newNodeLayout(geo.order, geo.pageSize)
	t.meta = &metaManager{sf: t.sf, noSync: t.cfg.NoSync}
	t.records, err = newRecordStore(t.sf, t.cfg.RecordCacheSize)
	if err != nil {
		return
	}
	m, err := t.meta.read()
	if err != nil {
		t.records.close()
		return
	}
	t.logger.Info("tree opened", "path", t.cfg.Path, "meta", m.String())
	return nil
}

func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if t.sf == nil {
		return nil
	}
	t.records.close()
	var err error
	if !t.cfg.NoSync {
		t.sf.stat.sync.Add(1)
		err = errors.Wrap(t.sf.file.Sync(), "sync on close")
	}
	if e := t.sf.release(); e != nil && err == nil {
		err = e
	}
	return err
}

func (t *Tree) Order() int {
	return t.layout.order
}

func (t *Tree) Stat() ExportStat {
	if t.sf == nil {
		return ExportStat{}
	}
	return t.sf.stat.export()
}

func (t *Tree) checkOpen() error {
	if t.closed.Load() || t.sf == nil {
		return ErrClosed
	}
	return nil
}

func (t *Tree) ReadMeta() (Meta, error) {
	if err := t.checkOpen(); err != nil {
		return Meta{}, err
	}
	return t.meta.read()
}

// ReadRecord returns a copy of the payload stored at off.
func (t *Tree) ReadRecord(off int64) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.records.read(off)
}

func (t *Tree) nodeBuf(off int64) ([]byte, error) {
	if off < int64(t.sf.geo.pageSize) || off%int64(t.sf.geo.pageSize) != 0 {
		return nil, errors.Wrapf(ErrCorruptNode, "node offset %d", off)
	}
	return t.sf.arena.slice(off, t.layout.size)
}

func (t *Tree) latchLen() int64 {
	return int64(t.layout.size)
}

// readNode returns the node at off either read latched in place or as a
// private copy when the latch is contended. release must always be called.
func (t *Tree) readNode(off int64) (n node, release func(), err error) {
	buf, err := t.nodeBuf(off)
	if err != nil {
		return
	}
	if t.sf.latches.tryRLock(off, t.latchLen()) {
		release = func() { t.sf.latches.rUnlock(off, t.latchLen()) }
		n = newNode(buf, t.layout)
		if err = n.validate(); err != nil {
			release()
			return node{}, nil, errors.Wrapf(err, "node at %d", off)
		}
		return n, release, nil
	}
	t.sf.stat.fallbackRead.Add(1)
	n, err = t.snapshot(off)
	return n, func() {}, err
}

// snapshot copies the node at off with positioned reads, retrying until no
// writer touched it in between.
func (t *Tree) snapshot(off int64) (node, error) {
	buf := make([]byte, t.layout.size)
	seqOff := off + int64(t.layout.seqOff())
	var before, after [8]byte
	for {
		if _, err := t.sf.file.ReadAt(before[:], seqOff); err != nil {
			return node{}, errors.Wrapf(err, "read node seq at %d", off)
		}
		if binary.NativeEndian.Uint64(before[:])&1 == 0 {
			if _, err := t.sf.file.ReadAt(buf, off); err != nil {
				return node{}, errors.Wrapf(err, "read node at %d", off)
			}
			if _, err := t.sf.file.ReadAt(after[:], seqOff); err != nil {
				return node{}, errors.Wrapf(err, "read node seq at %d", off)
			}
			if before == after {
				n := newNode(buf, t.layout)
				if err := n.validate(); err != nil {
					return node{}, errors.Wrapf(err, "node at %d", off)
				}
				return n, nil
			}
		}
		t.sf.stat.fallbackRetry.Add(1)
		runtime.Gosched()
	}
}

// lockNode write latches and pins the node at off.
func (t *Tree) lockNode(off int64) (n node, pinned bool, err error) {
	buf, err := t.nodeBuf(off)
	if err != nil {
		return
	}
	if err = t.sf.latches.lock(off, t.latchLen()); err != nil {
		return
	}
	n = newNode(buf, t.layout)
	if err = n.validate(); err != nil {
		t.sf.latches.unlock(off, t.latchLen())
		return node{}, false, errors.Wrapf(err, "node at %d", off)
	}
	pinned = t.sf.latches.pin(n.buf)
	return n, pinned, nil
}

func (t *Tree) unlockNode(off int64, n node, pinned bool) {
	t.sf.latches.unpin(n.buf, pinned)
	t.sf.latches.unlock(off, t.latchLen())
}

func (t *Tree) syncNode(n node) error {
	if t.cfg.NoSync {
		return nil
	}
	t.sf.stat.sync.Add(1)
	return errors.Wrap(sys.MSync(n.buf), "sync node")
}

// syncRecords flushes records appended since the last split.
func (t *Tree) syncRecords() error {
	if t.cfg.NoSync {
		return nil
	}
	t.sf.stat.sync.Add(1)
	return errors.Wrap(t.sf.file.Sync(), "sync records")
}

// allocNode reserves a zeroed, page aligned node slot.
func (t *Tree) allocNode() (int64, node, error) {
	off, err := t.sf.reserve(int64(t.layout.size), int64(t.sf.geo.pageSize), true, t.cfg.NoSync)
	if err != nil {
		return 0, node{}, err
	}
	buf, err := t.nodeBuf(off)
	if err != nil {
		return 0, node{}, err
	}
	if !bytesIsZero(buf) {
		return 0, node{}, errors.Wrapf(errNodeDirty, "node at %d", off)
	}
	t.sf.stat.nodeAlloc.Add(1)
	return off, newNode(buf, t.layout), nil
}

// Search returns the record offset bound to key.
func (t *Tree) Search(key uint64) (int64, bool, error) {
	if key == KeyInf {
		return 0, false, ErrReservedKey
	}
	if err := t.checkOpen(); err != nil {
		return 0, false, err
	}
	m, err := t.meta.read()
	if err != nil {
		return 0, false, err
	}
	cur, release, err := t.readNode(m.RootOffset)
	if err != nil {
		return 0, false, err
	}
	for !cur.IsLeaf() || cur.mustMoveRight(key) {
		next := cur.ScanFor(key)
		if next == 0 {
			release()
			return 0, false, errors.Wrapf(ErrCorruptNode, "nil child for key %d", key)
		}
		child, childRelease, err := t.readNode(next)
		release()
		if err != nil {
			return 0, false, err
		}
		cur, release = child, childRelease
	}
	rec := cur.RecordFor(key)
	release()
	return rec, rec != 0, nil
}

// Get returns a copy of the payload bound to key.
func (t *Tree) Get(key uint64) ([]byte, bool, error) {
	off, found, err := t.Search(key)
	if err != nil || !found {
		return nil, found, err
	}
	payload, err := t.records.read(off)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// descend walks from the root to the node of the given level that may hold
// key. Ancestors left through a child pointer are pushed onto s when s is
// not nil; moves along a sibling link are not recorded.
func (t *Tree) descend(key uint64, s *stack, level uint32) (int64, error) {
	m, err := t.awaitHeight(uint64(level) + 1)
	if err != nil {
		return 0, err
	}
	off := m.RootOffset
	cur, release, err := t.readNode(off)
	if err != nil {
		return 0, err
	}
	for cur.Level() > level {
		var next int64
		if cur.mustMoveRight(key) {
			next = cur.Link()
		} else {
			next = cur.ScanFor(key)
			if s != nil {
				s.push(stackElement{off: off, level: cur.Level()})
			}
		}
		if next == 0 {
			release()
			return 0, errors.Wrapf(ErrCorruptNode, "nil child for key %d", key)
		}
		child, childRelease, err := t.readNode(next)
		release()
		if err != nil {
			return 0, err
		}
		off, cur, release = next, child, childRelease
	}
	release()
	if cur.Level() < level {
		return 0, errors.Wrapf(ErrCorruptNode, "level %d not found under root", level)
	}
	return off, nil
}

// awaitHeight reads the meta until the tree is at least height levels tall.
// A node split off the root becomes reachable through the old root's link
// slightly before the new root is published.
func (t *Tree) awaitHeight(height uint64) (Meta, error) {
	warnAt := time.Now().Add(rootPublishWarn)
	for spin := 0; ; spin++ {
		m, err := t.meta.read()
		if err != nil || m.Height >= height {
			return m, err
		}
		if !warnAt.IsZero() && time.Now().After(warnAt) {
			t.logger.Warn("waiting for root publish", "height", m.Height, "want", height)
			warnAt = time.Time{}
		}
		if spin < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

// moveRight write latches the node at off, stepping along sibling links
// until it reaches the node whose range holds key. The sibling is latched
// before the current node is released. The returned node is latched and
// pinned.
func (t *Tree) moveRight(key uint64, off int64) (node, int64, bool, error) {
	n, pinned, err := t.lockNode(off)
	if err != nil {
		return node{}, 0, false, err
	}
	for n.mustMoveRight(key) {
		next := n.Link()
		sib, sibPinned, err := t.lockNode(next)
		t.unlockNode(off, n, pinned)
		if err != nil {
			return node{}, 0, false, err
		}
		n, off, pinned = sib, next, sibPinned
	}
	return n, off, pinned, nil
}

// Insert binds key to a new record holding payload. Inserting a key that is
// already bound is a no-op; a removed key is bound again.
func (t *Tree) Insert(key uint64, payload []byte) error {
	if key == KeyInf {
		return ErrReservedKey
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	var s stack
	off, err := t.descend(key, &s, 0)
	if err != nil {
		return err
	}
	n, off, pinned, err := t.moveRight(key, off)
	if err != nil {
		return err
	}
	if n.Contains(key) {
		t.unlockNode(off, n, pinned)
		return nil
	}
	rec, err := t.records.alloc(payload)
	if err != nil {
		t.unlockNode(off, n, pinned)
		return err
	}
	p := rec
	for {
		sep, right, level, done, err := t.insertAndSplit(n, off, pinned, key, p)
		if err != nil || done {
			return err
		}
		var parent int64
		if e, ok := s.pop(); ok {
			parent = e.off
		} else {
			parent, err = t.descend(sep, &s, level+1)
			if err != nil {
				return err
			}
		}
		n, off, pinned, err = t.moveRight(sep, parent)
		if err != nil {
			return err
		}
		key, p = sep, right
	}
}

// insertAndSplit applies (key, p) to the latched node n and splits it when it
// overflows. The latch on n is always released. When done is false the
// caller must post (sep, right) one level above level.
func (t *Tree) insertAndSplit(n node, off int64, pinned bool, key uint64, p int64) (sep uint64, right int64, level uint32, done bool, err error) {
	defer t.unlockNode(off, n, pinned)
	level = n.Level()
	if !n.wouldGrow(key) || n.Count() < 2*t.layout.order {
		n.beginWrite()
		t.apply(n, key, p)
		n.endWrite()
		return 0, 0, level, true, nil
	}

	isRoot := n.IsRoot()
	right, rn, err := t.allocNode()
	if err != nil {
		return 0, 0, level, false, err
	}
	var (
		rootOff int64
		root    node
	)
	if isRoot {
		rootOff, root, err = t.allocNode()
		if err != nil {
			return 0, 0, level, false, err
		}
	}
	rnPinned := t.sf.latches.pin(rn.buf)
	defer t.sf.latches.unpin(rn.buf, rnPinned)

	n.beginWrite()
	t.apply(n, key, p)
	if isRoot {
		sep = n.SplitRoot(root, rn, right, off)
	} else {
		sep = n.Split(rn, right)
	}
	n.endWrite()
	t.sf.stat.split.Add(1)
	if err = t.syncRecords(); err != nil {
		return
	}
	if err = t.syncNode(rn); err != nil {
		return
	}
	if isRoot {
		if err = t.syncNode(root); err != nil {
			return
		}
	}
	if err = t.syncNode(n); err != nil {
		return
	}
	if !isRoot {
		t.logger.Debug("node split", "off", off, "right", right, "sep", sep, "level", level)
		return sep, right, level, false, nil
	}
	if err = t.meta.update(rootOff, uint64(root.Level())+1); err != nil {
		return
	}
	t.sf.stat.rootSplit.Add(1)
	t.logger.Info("root split", "old", off, "new", rootOff, "height", root.Level()+1)
	return sep, right, level, true, nil
}

func (t *Tree) apply(n node, key uint64, p int64) {
	if n.IsLeaf() {
		n.Insert(key, p)
	} else {
		n.InsertSeparator(key, p)
	}
}

// Remove unbinds key. The leaf entry is tombstoned, nodes never shrink.
func (t *Tree) Remove(key uint64) (bool, error) {
	if key == KeyInf {
		return false, ErrReservedKey
	}
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	off, err := t.descend(key, nil, 0)
	if err != nil {
		return false, err
	}
	n, off, pinned, err := t.moveRight(key, off)
	if err != nil {
		return false, err
	}
	defer t.unlockNode(off, n, pinned)
	if !n.Contains(key) {
		return false, nil
	}
	n.beginWrite()
	n.Remove(key)
	n.endWrite()
	return true, nil
}
