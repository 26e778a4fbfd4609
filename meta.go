package blinktree

import (
	"encoding/binary"
	"hash/crc32"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nyan233/blinktree/internal/sys"
	"github.com/pkg/errors"
)

// metaManager reads and publishes the header record. The header page lives
// at offset 0 of the first segment.
type metaManager struct {
	sf     *sharedFile
	noSync bool
}

func (m *metaManager) page() ([]byte, error) {
	return m.sf.arena.slice(0, m.sf.geo.pageSize)
}

func metaSeq(page []byte) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&page[metaSeqOff]))
}

// read returns a consistent snapshot. Under contention it falls back to a
// positioned read validated by seq and the checksum, and never blocks.
func (m *metaManager) read() (Meta, error) {
	if m.sf.latches.tryRLock(0, metaLatchLen) {
		defer m.sf.latches.rUnlock(0, metaLatchLen)
		page, err := m.page()
		if err != nil {
			return Meta{}, err
		}
		var h header
		if err = h.decode(page); err != nil {
			return Meta{}, err
		}
		return h.meta(), nil
	}
	m.sf.stat.fallbackRead.Add(1)
	buf := make([]byte, metaLatchLen)
	for {
		if _, err := m.sf.file.ReadAt(buf, 0); err != nil {
			return Meta{}, errors.Wrap(err, "read header")
		}
		seq := binary.NativeEndian.Uint64(buf[metaSeqOff:])
		if seq&1 == 1 {
			m.sf.stat.fallbackRetry.Add(1)
			runtime.Gosched()
			continue
		}
		var h header
		err := h.decode(buf)
		if err == nil {
			return h.meta(), nil
		}
		var again [8]byte
		if _, rerr := m.sf.file.ReadAt(again[:], metaSeqOff); rerr != nil {
			return Meta{}, errors.Wrap(rerr, "read header seq")
		}
		if binary.NativeEndian.Uint64(again[:]) == seq {
			return Meta{}, err
		}
		m.sf.stat.fallbackRetry.Add(1)
		runtime.Gosched()
	}
}

// update publishes a new root. It is only called by the writer that split
// the old root, while that root is still write latched.
func (m *metaManager) update(root int64, height uint64) error {
	if err := m.sf.latches.lock(0, metaLatchLen); err != nil {
		return err
	}
	defer m.sf.latches.unlock(0, metaLatchLen)
	page, err := m.page()
	if err != nil {
		return err
	}
	pinned := m.sf.latches.pin(page)
	defer m.sf.latches.unpin(page, pinned)

	seq := metaSeq(page)
	seq.Add(1)
	binary.LittleEndian.PutUint64(page[metaRootOff:], uint64(root))
	binary.LittleEndian.PutUint64(page[metaHeightOff:], height)
	binary.LittleEndian.PutUint32(page[metaSumOff:], crc32.ChecksumIEEE(page[:metaSumLen]))
	seq.Add(1)
	if m.noSync {
		return nil
	}
	m.sf.stat.sync.Add(1)
	return errors.Wrap(sys.MSync(page), "sync header")
}

func (h *header) meta() Meta {
	return Meta{
		RootOffset: h.root,
		Height:     h.height,
		Order:      h.order,
	}
}
