package blinktree

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"

	"github.com/nyan233/blinktree/internal/sys"
	"github.com/pkg/errors"
)

// geometry is fixed when a file is bootstrapped and recorded in its header.
type geometry struct {
	order       int
	pageSize    int
	segmentSize int64
}

// arena maps the file in fixed segments on demand. A segment is never
// remapped or unmapped while the file is open, so node slices stay valid.
type arena struct {
	file    *os.File
	segSize int64

	mu   sync.RWMutex
	segs [][]byte
}

func (a *arena) slice(off int64, n int) ([]byte, error) {
	idx, rel := off/a.segSize, off%a.segSize
	if off < 0 || rel+int64(n) > a.segSize {
		return nil, errors.Wrapf(ErrCorruptNode, "offset %d crosses a segment", off)
	}
	seg, err := a.segment(int(idx))
	if err != nil {
		return nil, err
	}
	return seg[rel : rel+int64(n) : rel+int64(n)], nil
}

func (a *arena) segment(idx int) ([]byte, error) {
	a.mu.RLock()
	if idx < len(a.segs) && a.segs[idx] != nil {
		seg := a.segs[idx]
		a.mu.RUnlock()
		return seg, nil
	}
	a.mu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx >= len(a.segs) {
		a.segs = append(a.segs, nil)
	}
	if a.segs[idx] == nil {
		seg, err := sys.MMap(a.file, int64(idx)*a.segSize, int(a.segSize))
		if err != nil {
			return nil, errors.Wrapf(err, "map segment %d", idx)
		}
		a.segs[idx] = seg
	}
	return a.segs[idx], nil
}

func (a *arena) close() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, seg := range a.segs {
		if seg == nil {
			continue
		}
		if e := sys.MUnmap(seg); e != nil && err == nil {
			err = e
		}
		a.segs[i] = nil
	}
	a.segs = nil
	return
}

// sharedFile is the per-process state of one tree file. Closing any
// descriptor of a file drops every POSIX lock the process holds on it, so
// all handles share one and keep the others open until the last release.
type sharedFile struct {
	refs  int
	info  os.FileInfo
	file  *os.File
	extra []*os.File

	geo     geometry
	arena   *arena
	latches *latchTable
	stat    iStat
	logger  *slog.Logger

	allocMu sync.Mutex
}

var registry struct {
	mu    sync.Mutex
	files []*sharedFile
}

func acquireFile(path string, logger *slog.Logger) (*sharedFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, sf := range registry.files {
		if os.SameFile(sf.info, info) {
			sf.refs++
			sf.extra = append(sf.extra, file)
			return sf, nil
		}
	}
	sf := &sharedFile{
		refs:   1,
		info:   info,
		file:   file,
		logger: logger,
	}
	sf.latches = newLatchTable(file, &sf.stat, logger)
	registry.files = append(registry.files, sf)
	return sf, nil
}

func (sf *sharedFile) release() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	sf.refs--
	if sf.refs > 0 {
		return nil
	}
	for i, v := range registry.files {
		if v == sf {
			registry.files = append(registry.files[:i], registry.files[i+1:]...)
			break
		}
	}
	var err error
	if sf.arena != nil {
		err = sf.arena.close()
	}
	for _, f := range sf.extra {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := sf.file.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// lockAlloc serializes file growth and bootstrap across goroutines and
// processes.
func (sf *sharedFile) lockAlloc() error {
	sf.allocMu.Lock()
	err := sys.LockRange(sf.file, sys.LockWrite, allocLatchOff, 1, func(err error) {
		sf.stat.latchRetry.Add(1)
	})
	if err != nil {
		sf.allocMu.Unlock()
		return errors.Wrapf(ErrLatch, "allocator latch: %v", err)
	}
	return nil
}

func (sf *sharedFile) unlockAlloc() {
	if err := sys.UnlockRange(sf.file, allocLatchOff, 1); err != nil {
		sf.logger.Error("allocator latch release fail", "err", err)
	}
	sf.allocMu.Unlock()
}

// reserve appends n zeroed bytes at an align boundary and returns their
// offset. With inSegment the range never crosses a segment boundary.
func (sf *sharedFile) reserve(n int64, align int64, inSegment bool, noSync bool) (off int64, err error) {
	if err = sf.lockAlloc(); err != nil {
		return
	}
	defer sf.unlockAlloc()
	stat, err := sf.file.Stat()
	if err != nil {
		return 0, wrapAlloc(err, "stat")
	}
	off = alignUp64(stat.Size(), align)
	if inSegment {
		seg := sf.geo.segmentSize
		if n > seg {
			return 0, ErrNodeTooLarge
		}
		if off/seg != (off+n-1)/seg {
			off = (off/seg + 1) * seg
		}
	}
	if err = sf.file.Truncate(off + n); err != nil {
		return 0, wrapAlloc(err, "truncate")
	}
	if !noSync {
		sf.stat.sync.Add(1)
		if err = sf.file.Sync(); err != nil {
			return 0, wrapAlloc(err, "sync")
		}
	}
	return off, nil
}

// header encodes the first page of a tree file.
type header struct {
	root        int64
	height      uint64
	order       uint64
	pageSize    uint32
	segmentSize uint64
	seq         uint64
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[metaRootOff:], uint64(h.root))
	binary.LittleEndian.PutUint64(buf[metaHeightOff:], h.height)
	binary.LittleEndian.PutUint64(buf[metaOrderOff:], h.order)
	copy(buf[metaMagicOff:], metaMagic[:])
	binary.LittleEndian.PutUint32(buf[metaPgSizeOff:], h.pageSize)
	binary.LittleEndian.PutUint64(buf[metaSegSizeOff:], h.segmentSize)
	binary.NativeEndian.PutUint64(buf[metaSeqOff:], h.seq)
	binary.LittleEndian.PutUint32(buf[metaSumOff:], crc32.ChecksumIEEE(buf[:metaSumLen]))
}

func (h *header) decode(buf []byte) error {
	if [4]byte(buf[metaMagicOff:metaMagicOff+4]) != metaMagic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[metaSumOff:]) != crc32.ChecksumIEEE(buf[:metaSumLen]) {
		return ErrBadChecksum
	}
	h.root = int64(binary.LittleEndian.Uint64(buf[metaRootOff:]))
	h.height = binary.LittleEndian.Uint64(buf[metaHeightOff:])
	h.order = binary.LittleEndian.Uint64(buf[metaOrderOff:])
	h.pageSize = binary.LittleEndian.Uint32(buf[metaPgSizeOff:])
	h.segmentSize = binary.LittleEndian.Uint64(buf[metaSegSizeOff:])
	h.seq = binary.NativeEndian.Uint64(buf[metaSeqOff:])
	return nil
}

func (h *header) geometry() geometry {
	return geometry{
		order:       int(h.order),
		pageSize:    int(h.pageSize),
		segmentSize: int64(h.segmentSize),
	}
}

func checkGeometry(g geometry) error {
	if g.order < minOrder {
		return errors.Wrapf(ErrInvalidOrder, "order %d", g.order)
	}
	if g.pageSize <= 0 || g.pageSize%sys.GetSysPageSize() != 0 {
		return errors.Wrapf(ErrBadGeometry, "page size %d", g.pageSize)
	}
	if g.segmentSize <= 0 || g.segmentSize%int64(g.pageSize) != 0 {
		return errors.Wrapf(ErrBadGeometry, "segment size %d", g.segmentSize)
	}
	if int64(g.pageSize+newNodeLayout(g.order, g.pageSize).size) > g.segmentSize {
		return errors.Wrapf(ErrNodeTooLarge, "order %d", g.order)
	}
	return nil
}

// openGeometry bootstraps an empty file with want, or reads and validates
// the header of an existing one. want.order == 0 forbids bootstrapping.
func (sf *sharedFile) openGeometry(want geometry, noSync bool) (geometry, error) {
	if err := sf.lockAlloc(); err != nil {
		return geometry{}, err
	}
	defer sf.unlockAlloc()
	stat, err := sf.file.Stat()
	if err != nil {
		return geometry{}, errors.Wrap(err, "stat tree file")
	}
	if stat.Size() == 0 {
		if want.order == 0 {
			return geometry{}, ErrNotInitialized
		}
		if err = checkGeometry(want); err != nil {
			return geometry{}, err
		}
		if err = sf.bootstrap(want, noSync); err != nil {
			return geometry{}, err
		}
		sf.logger.Info("tree file bootstrapped", "order", want.order, "page_size", want.pageSize,
			"segment_size", want.segmentSize)
		return want, nil
	}
	buf := make([]byte, metaLatchLen)
	if _, err = sf.file.ReadAt(buf, 0); err != nil {
		return geometry{}, errors.Wrap(err, "read header")
	}
	var h header
	if err = h.decode(buf); err != nil {
		return geometry{}, err
	}
	got := h.geometry()
	if err = checkGeometry(got); err != nil {
		return geometry{}, err
	}
	if want.order != 0 && want.order != got.order {
		return geometry{}, errors.Wrapf(ErrInvalidOrder, "file order %d, configured %d", got.order, want.order)
	}
	if got.pageSize != sys.GetSysPageSize() {
		return geometry{}, errors.Wrapf(ErrBadGeometry, "file page size %d, system %d", got.pageSize, sys.GetSysPageSize())
	}
	return got, nil
}

// bootstrap writes the header page and a fence-only root leaf right after it.
func (sf *sharedFile) bootstrap(g geometry, noSync bool) error {
	l := newNodeLayout(g.order, g.pageSize)
	buf := make([]byte, g.pageSize+l.size)
	h := header{
		root:        int64(g.pageSize),
		height:      1,
		order:       uint64(g.order),
		pageSize:    uint32(g.pageSize),
		segmentSize: uint64(g.segmentSize),
	}
	h.encode(buf)
	newNode(buf[g.pageSize:], l).initRootLeaf()
	if _, err := sf.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "write bootstrap")
	}
	if noSync {
		return nil
	}
	return errors.Wrap(sf.file.Sync(), "sync bootstrap")
}

// attach installs the geometry on first open and checks later handles
// against it.
func (sf *sharedFile) attach(g geometry) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if sf.arena == nil {
		sf.geo = g
		sf.arena = &arena{file: sf.file, segSize: g.segmentSize}
		return nil
	}
	if sf.geo != g {
		return errors.Wrapf(ErrBadGeometry, "file already open with %+v", sf.geo)
	}
	return nil
}
