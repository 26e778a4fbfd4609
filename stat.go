package blinktree

import "sync/atomic"

// ExportStat is a point-in-time copy of the counters of one tree file,
// accumulated over every handle of that file in this process.
type ExportStat struct {
	RecordCacheHit uint64
	RecordCacheMis uint64
	FallbackRead   uint64
	FallbackRetry  uint64
	WriteLatch     uint64
	LatchRetry     uint64
	PinDegraded    uint64
	NodeAlloc      uint64
	RecordAlloc    uint64
	Split          uint64
	RootSplit      uint64
	Sync           uint64
}

type iStat struct {
	recordCacheHit atomic.Uint64
	recordCacheMis atomic.Uint64
	fallbackRead   atomic.Uint64
	fallbackRetry  atomic.Uint64
	writeLatch     atomic.Uint64
	latchRetry     atomic.Uint64
	pinDegraded    atomic.Uint64
	nodeAlloc      atomic.Uint64
	recordAlloc    atomic.Uint64
	split          atomic.Uint64
	rootSplit      atomic.Uint64
	sync           atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		RecordCacheHit: s.recordCacheHit.Load(),
		RecordCacheMis: s.recordCacheMis.Load(),
		FallbackRead:   s.fallbackRead.Load(),
		FallbackRetry:  s.fallbackRetry.Load(),
		WriteLatch:     s.writeLatch.Load(),
		LatchRetry:     s.latchRetry.Load(),
		PinDegraded:    s.pinDegraded.Load(),
		NodeAlloc:      s.nodeAlloc.Load(),
		RecordAlloc:    s.recordAlloc.Load(),
		Split:          s.split.Load(),
		RootSplit:      s.rootSplit.Load(),
		Sync:           s.sync.Load(),
	}
}
