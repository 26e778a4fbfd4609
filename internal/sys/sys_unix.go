//go:build unix

package sys

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// MMap maps length bytes of file starting at off. off must be a multiple of
// the system page size. The mapping may extend past the end of file; pages
// beyond EOF become accessible once the file grows.
func MMap(file *os.File, off int64, length int) (dat []byte, err error) {
	dat, err = unix.Mmap(int(file.Fd()), off, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return
	}
	// node access is random, readahead only pollutes the page cache
	_ = unix.Madvise(dat, unix.MADV_RANDOM)
	return
}

func MUnmap(dat []byte) (err error) {
	return unix.Munmap(dat)
}

// MSync flushes dat synchronously. dat must start on a page boundary.
func MSync(dat []byte) error {
	return unix.Msync(dat, unix.MS_SYNC)
}

func GetSysPageSize() int {
	return unix.Getpagesize()
}

func MemLock(dat []byte) (err error) {
	return unix.Mlock(dat)
}

func MemUnlock(dat []byte) (err error) {
	return unix.Munlock(dat)
}

// IsMemLockLimit reports errors caused by RLIMIT_MEMLOCK or missing privileges.
func IsMemLockLimit(err error) bool {
	return err == unix.ENOMEM || err == unix.EPERM || err == unix.EAGAIN
}

const (
	LockRead   = int16(unix.F_RDLCK)
	LockWrite  = int16(unix.F_WRLCK)
	LockUnlock = int16(unix.F_UNLCK)
)

// TryLockRange places a non-blocking POSIX record lock on [off, off+length).
// ok is false when another process holds a conflicting lock.
func TryLockRange(file *os.File, typ int16, off, length int64) (ok bool, err error) {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  off,
		Len:    length,
	}
	for {
		err = unix.FcntlFlock(file.Fd(), unix.F_SETLK, &lk)
		switch err {
		case nil:
			return true, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EACCES:
			return false, nil
		default:
			return false, err
		}
	}
}

// LockRange blocks until the record lock on [off, off+length) is granted.
// EINTR is retried at once. EDEADLK is retried with backoff since the kernel
// treats all goroutines of a process as one lock owner. retry is invoked on
// every EDEADLK.
func LockRange(file *os.File, typ int16, off, length int64, retry func(err error)) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  off,
		Len:    length,
	}
	backoff := 50 * time.Microsecond
	for {
		err := unix.FcntlFlock(file.Fd(), unix.F_SETLKW, &lk)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EDEADLK:
			if retry != nil {
				retry(err)
			}
			time.Sleep(backoff)
			if backoff < 10*time.Millisecond {
				backoff *= 2
			}
		default:
			return err
		}
	}
}

func UnlockRange(file *os.File, off, length int64) error {
	lk := unix.Flock_t{
		Type:   LockUnlock,
		Whence: int16(io.SeekStart),
		Start:  off,
		Len:    length,
	}
	for {
		err := unix.FcntlFlock(file.Fd(), unix.F_SETLK, &lk)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
