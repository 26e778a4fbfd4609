package blinktree

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

const (
	// record frame: len uint32 | xxhash64 of payload uint64 | payload
	recordHeaderSize = 12
	recordAlign      = 8
	maxRecordSize    = 1 << 30
)

// recordStore appends immutable payloads to the tree file. A record offset is
// never reused, so cached payloads never go stale.
type recordStore struct {
	sf    *sharedFile
	cache *ristretto.Cache[int64, []byte]
}

func newRecordStore(sf *sharedFile, cacheSize int64) (*recordStore, error) {
	r := &recordStore{sf: sf}
	if cacheSize <= 0 {
		return r, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, []byte]{
		NumCounters: max(cacheSize/64, 1024),
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "record cache")
	}
	r.cache = cache
	return r, nil
}

func (r *recordStore) alloc(payload []byte) (int64, error) {
	if len(payload) > maxRecordSize {
		return 0, errors.Wrapf(ErrAlloc, "record of %d bytes", len(payload))
	}
	frame := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[4:], xxhash.Sum64(payload))
	copy(frame[recordHeaderSize:], payload)
	// Records are flushed with the next split or on close.
	off, err := r.sf.reserve(int64(len(frame)), recordAlign, false, true)
	if err != nil {
		return 0, err
	}
	if _, err = r.sf.file.WriteAt(frame, off); err != nil {
		return 0, wrapAlloc(err, "write record")
	}
	r.sf.stat.recordAlloc.Add(1)
	return off, nil
}

// read returns a copy of the payload stored at off.
func (r *recordStore) read(off int64) ([]byte, error) {
	if off < int64(r.sf.geo.pageSize) {
		return nil, errors.Wrapf(ErrCorruptRecord, "offset %d", off)
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(off); ok {
			r.sf.stat.recordCacheHit.Add(1)
			return bytes.Clone(v), nil
		}
		r.sf.stat.recordCacheMis.Add(1)
	}
	var hdr [recordHeaderSize]byte
	if _, err := r.sf.file.ReadAt(hdr[:], off); err != nil {
		return nil, errors.Wrapf(err, "read record header at %d", off)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxRecordSize {
		return nil, errors.Wrapf(ErrCorruptRecord, "length %d at %d", size, off)
	}
	payload := make([]byte, size)
	if _, err := r.sf.file.ReadAt(payload, off+recordHeaderSize); err != nil {
		return nil, errors.Wrapf(err, "read record at %d", off)
	}
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(hdr[4:]) {
		return nil, errors.Wrapf(ErrCorruptRecord, "checksum at %d", off)
	}
	if r.cache != nil {
		r.cache.Set(off, bytes.Clone(payload), int64(len(payload))+recordHeaderSize)
	}
	return payload, nil
}

func (r *recordStore) close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
