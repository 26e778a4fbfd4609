package blinktree

import (
	"log/slog"
	"os"
	"sync"

	"github.com/nyan233/blinktree/internal/sys"
	"github.com/pkg/errors"
)

// latch guards one byte range of the tree file. POSIX record locks are owned
// by the process, so goroutines first serialize on rw and only the first
// reader (or the writer) talks to the kernel.
type latch struct {
	rw      sync.RWMutex
	mu      sync.Mutex
	readers int
}

// latchTable is shared by every handle of one file inside a process.
type latchTable struct {
	file    *os.File
	entries sync.Map // int64 -> *latch
	stat    *iStat
	logger  *slog.Logger

	pinWarn sync.Once
}

func newLatchTable(file *os.File, stat *iStat, logger *slog.Logger) *latchTable {
	return &latchTable{
		file:   file,
		stat:   stat,
		logger: logger,
	}
}

func (lt *latchTable) get(off int64) *latch {
	if v, ok := lt.entries.Load(off); ok {
		return v.(*latch)
	}
	v, _ := lt.entries.LoadOrStore(off, new(latch))
	return v.(*latch)
}

// tryRLock never blocks. A false result means some writer, in this process
// or another one, holds the range.
func (lt *latchTable) tryRLock(off, length int64) bool {
	l := lt.get(off)
	if !l.rw.TryRLock() {
		return false
	}
	l.mu.Lock()
	if l.readers == 0 {
		ok, err := sys.TryLockRange(lt.file, sys.LockRead, off, length)
		if err != nil {
			lt.logger.Debug("try read latch fail", "off", off, "err", err)
		}
		if !ok {
			l.mu.Unlock()
			l.rw.RUnlock()
			return false
		}
	}
	l.readers++
	l.mu.Unlock()
	return true
}

func (lt *latchTable) rUnlock(off, length int64) {
	l := lt.get(off)
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		if err := sys.UnlockRange(lt.file, off, length); err != nil {
			lt.logger.Error("read latch release fail", "off", off, "err", err)
		}
	}
	l.mu.Unlock()
	l.rw.RUnlock()
}

// lock blocks until the range is held exclusively by the caller.
func (lt *latchTable) lock(off, length int64) error {
	l := lt.get(off)
	l.rw.Lock()
	err := sys.LockRange(lt.file, sys.LockWrite, off, length, func(err error) {
		lt.stat.latchRetry.Add(1)
	})
	if err != nil {
		l.rw.Unlock()
		return errors.Wrapf(ErrLatch, "write latch at %d: %v", off, err)
	}
	lt.stat.writeLatch.Add(1)
	return nil
}

func (lt *latchTable) unlock(off, length int64) {
	if err := sys.UnlockRange(lt.file, off, length); err != nil {
		lt.logger.Error("write latch release fail", "off", off, "err", err)
	}
	lt.get(off).rw.Unlock()
}

// pin keeps dat resident while it is mutated. Hitting RLIMIT_MEMLOCK is not
// fatal: the mutation proceeds unpinned.
func (lt *latchTable) pin(dat []byte) bool {
	err := sys.MemLock(dat)
	if err == nil {
		return true
	}
	lt.stat.pinDegraded.Add(1)
	lt.pinWarn.Do(func() {
		if sys.IsMemLockLimit(err) {
			lt.logger.Warn("node pinning disabled by memory lock limit", "err", err)
		} else {
			lt.logger.Warn("node pinning failed", "err", err)
		}
	})
	return false
}

func (lt *latchTable) unpin(dat []byte, pinned bool) {
	if !pinned {
		return
	}
	if err := sys.MemUnlock(dat); err != nil {
		lt.logger.Debug("unpin fail", "err", err)
	}
}
