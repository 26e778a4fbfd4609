package blinktree

import (
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func testTreePath(t testing.TB) string {
	return filepath.Join(t.TempDir(), "tree.blt")
}

func openTestTree(t testing.TB, path string, order int) *Tree {
	tr := NewTree(Config{
		Path:            path,
		Order:           order,
		NoSync:          true,
		RecordCacheSize: 1024 * 1024,
	})
	require.NoError(t, tr.Init())
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

func newTestTree(t testing.TB, order int) *Tree {
	return openTestTree(t, testTreePath(t), order)
}

func liveKeys(n node) []uint64 {
	var keys []uint64
	for i := 0; i < n.Count(); i++ {
		if n.ptr(i) != 0 {
			keys = append(keys, n.key(i))
		}
	}
	return keys
}

func readTestNode(t *testing.T, tr *Tree, off int64) node {
	n, release, err := tr.readNode(off)
	require.NoError(t, err)
	defer release()
	return n.clone()
}

func TestTreeScenario(t *testing.T) {
	t.Run("RootSplit", func(t *testing.T) {
		tr := newTestTree(t, 4)
		for k := uint64(1); k <= 7; k++ {
			require.NoError(t, tr.Insert(k, []byte("v")))
		}
		m, err := tr.ReadMeta()
		require.NoError(t, err)
		require.Equal(t, uint64(1), m.Height)
		require.Equal(t, uint64(4), m.Order)

		for k := uint64(8); k <= 9; k++ {
			require.NoError(t, tr.Insert(k, []byte("v")))
		}
		m, err = tr.ReadMeta()
		require.NoError(t, err)
		require.Equal(t, uint64(2), m.Height)
		require.Equal(t, uint64(1), tr.Stat().RootSplit)
		require.Equal(t, uint64(1), tr.Stat().Split)

		root := readTestNode(t, tr, m.RootOffset)
		require.True(t, root.IsRoot())
		require.Equal(t, uint32(1), root.Level())
		require.Equal(t, 2, root.Count())
		left := readTestNode(t, tr, root.ptr(0))
		right := readTestNode(t, tr, root.ptr(1))
		require.Equal(t, []uint64{1, 2, 3, 4}, liveKeys(left))
		require.Equal(t, []uint64{5, 6, 7, 8, 9}, liveKeys(right))
		require.Equal(t, right.MinKey(), root.key(0))
		require.Equal(t, root.ptr(1), left.Link())
		require.Zero(t, right.Link())
	})
	t.Run("Payload", func(t *testing.T) {
		tr := newTestTree(t, 4)
		require.NoError(t, tr.Insert(5, []byte("ABRACADABRA")))
		off, found, err := tr.Search(5)
		require.NoError(t, err)
		require.True(t, found)
		payload, err := tr.ReadRecord(off)
		require.NoError(t, err)
		require.Equal(t, "ABRACADABRA", string(payload))
		payload, found, err = tr.Get(5)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "ABRACADABRA", string(payload))
	})
	t.Run("Remove", func(t *testing.T) {
		tr := newTestTree(t, 4)
		require.NoError(t, tr.Insert(7, []byte("seven")))
		removed, err := tr.Remove(7)
		require.NoError(t, err)
		require.True(t, removed)
		removed, err = tr.Remove(7)
		require.NoError(t, err)
		require.False(t, removed)
		_, found, err := tr.Search(7)
		require.NoError(t, err)
		require.False(t, found)
	})
	t.Run("SameLeafWriters", func(t *testing.T) {
		for round := 0; round < 32; round++ {
			tr := newTestTree(t, 4)
			var g errgroup.Group
			for _, k := range []uint64{10, 11} {
				g.Go(func() error {
					return tr.Insert(k, []byte("x"))
				})
			}
			require.NoError(t, g.Wait())
			m, err := tr.ReadMeta()
			require.NoError(t, err)
			leaf := readTestNode(t, tr, m.RootOffset)
			require.Equal(t, []uint64{10, 11}, liveKeys(leaf))
		}
	})
}

func TestTreeProperty(t *testing.T) {
	t.Run("RandomKeys", func(t *testing.T) {
		tr := newTestTree(t, 4)
		offsets := make(map[uint64]int64)
		payloads := make(map[uint64]string)
		var height uint64 = 1
		for len(offsets) < 3000 {
			k := rand.Uint64N(1 << 32)
			if _, ok := offsets[k]; ok {
				continue
			}
			v := random.GenStringOnAscii(32)
			require.NoError(t, tr.Insert(k, []byte(v)))
			off, found, err := tr.Search(k)
			require.NoError(t, err)
			require.True(t, found)
			offsets[k], payloads[k] = off, v

			m, err := tr.ReadMeta()
			require.NoError(t, err)
			require.GreaterOrEqual(t, m.Height, height)
			height = m.Height
		}
		require.Equal(t, height-1, tr.Stat().RootSplit)
		for k, off := range offsets {
			got, found, err := tr.Search(k)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, off, got)
			payload, err := tr.ReadRecord(got)
			require.NoError(t, err)
			require.Equal(t, payloads[k], string(payload))
		}
		report, err := tr.Check()
		require.NoError(t, err)
		require.Equal(t, 3000, report.Keys)
		require.Equal(t, int(height), len(report.Levels))
	})
	t.Run("ReinsertIsNoop", func(t *testing.T) {
		tr := newTestTree(t, 4)
		for k := uint64(0); k < 100; k++ {
			require.NoError(t, tr.Insert(k, []byte("first")))
		}
		off, _, err := tr.Search(42)
		require.NoError(t, err)
		require.NoError(t, tr.Insert(42, []byte("second")))
		got, found, err := tr.Search(42)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, off, got)
		payload, _, err := tr.Get(42)
		require.NoError(t, err)
		require.Equal(t, "first", string(payload))
	})
	t.Run("RemoveThenReinsert", func(t *testing.T) {
		tr := newTestTree(t, 4)
		for k := uint64(0); k < 500; k++ {
			require.NoError(t, tr.Insert(k, []byte("v")))
		}
		for k := uint64(0); k < 500; k += 2 {
			removed, err := tr.Remove(k)
			require.NoError(t, err)
			require.True(t, removed)
		}
		for k := uint64(0); k < 500; k++ {
			_, found, err := tr.Search(k)
			require.NoError(t, err)
			require.Equal(t, k%2 == 1, found)
		}
		report, err := tr.Check()
		require.NoError(t, err)
		require.Equal(t, 250, report.Keys)
		require.Equal(t, 250, report.Tombstones)

		require.NoError(t, tr.Insert(100, []byte("back")))
		payload, found, err := tr.Get(100)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "back", string(payload))
		report, err = tr.Check()
		require.NoError(t, err)
		require.Equal(t, 251, report.Keys)
		require.Equal(t, 249, report.Tombstones)
	})
	t.Run("SmallTreeKeepsHeight", func(t *testing.T) {
		tr := newTestTree(t, 8)
		for k := uint64(0); k < 15; k++ {
			require.NoError(t, tr.Insert(k*3, nil))
		}
		m, err := tr.ReadMeta()
		require.NoError(t, err)
		require.Equal(t, uint64(1), m.Height)
		require.Zero(t, tr.Stat().Split)
	})
	t.Run("DescendingKeys", func(t *testing.T) {
		tr := newTestTree(t, 3)
		for k := uint64(2000); k > 0; k-- {
			require.NoError(t, tr.Insert(k, []byte("d")))
		}
		for k := uint64(1); k <= 2000; k++ {
			_, found, err := tr.Search(k)
			require.NoError(t, err)
			require.True(t, found, k)
		}
		_, found, err := tr.Search(0)
		require.NoError(t, err)
		require.False(t, found)
		_, err = tr.Check()
		require.NoError(t, err)
	})
}

func TestTreeConcurrent(t *testing.T) {
	const (
		writers = 8
		keys    = 4000
	)
	tr := newTestTree(t, 4)
	perm := rand.Perm(keys)
	inserted := make([]atomic.Bool, keys)
	var (
		done    atomic.Bool
		readers sync.WaitGroup
		misses  atomic.Int64
	)
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for !done.Load() {
				k := rand.IntN(keys)
				if !inserted[k].Load() {
					continue
				}
				_, found, err := tr.Search(uint64(k))
				if err != nil || !found {
					misses.Add(1)
				}
			}
		}()
	}
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := w; i < keys; i += writers {
				k := perm[i]
				if err := tr.Insert(uint64(k), []byte{byte(k)}); err != nil {
					return err
				}
				inserted[k].Store(true)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	done.Store(true)
	readers.Wait()
	require.Zero(t, misses.Load())

	var sg errgroup.Group
	for r := 0; r < writers; r++ {
		sg.Go(func() error {
			for k := r; k < keys; k += writers {
				v, found, err := tr.Get(uint64(k))
				if err != nil {
					return err
				}
				if !found || v[0] != byte(k) {
					return ErrCorruptRecord
				}
			}
			return nil
		})
	}
	require.NoError(t, sg.Wait())
	report, err := tr.Check()
	require.NoError(t, err)
	require.Equal(t, keys, report.Keys)
}

func TestTreeReopen(t *testing.T) {
	path := testTreePath(t)
	tr := openTestTree(t, path, 5)
	for k := uint64(0); k < 1000; k++ {
		require.NoError(t, tr.Insert(k*7, []byte(random.GenStringOnAscii(16))))
	}
	before, err := tr.ReadMeta()
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Close(), ErrClosed)
	_, _, err = tr.Search(7)
	require.ErrorIs(t, err, ErrClosed)

	tr, err = Open(path)
	require.NoError(t, err)
	defer tr.Close()
	after, err := tr.ReadMeta()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 5, tr.Order())
	for k := uint64(0); k < 1000; k++ {
		_, found, err := tr.Search(k * 7)
		require.NoError(t, err)
		require.True(t, found)
	}
	report, err := tr.Check()
	require.NoError(t, err)
	require.Equal(t, 1000, report.Keys)
}

func TestTreeSharedHandles(t *testing.T) {
	path := testTreePath(t)
	a := openTestTree(t, path, 4)
	b := openTestTree(t, path, 0)
	require.Same(t, a.sf, b.sf)

	var g errgroup.Group
	for i, tr := range []*Tree{a, b} {
		g.Go(func() error {
			for k := uint64(i); k < 2000; k += 2 {
				if err := tr.Insert(k, []byte("s")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, b.Close())
	for k := uint64(0); k < 2000; k++ {
		_, found, err := a.Search(k)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestTreeErrors(t *testing.T) {
	t.Run("ReservedKey", func(t *testing.T) {
		tr := newTestTree(t, 4)
		require.ErrorIs(t, tr.Insert(KeyInf, nil), ErrReservedKey)
		_, _, err := tr.Search(KeyInf)
		require.ErrorIs(t, err, ErrReservedKey)
		_, err = tr.Remove(KeyInf)
		require.ErrorIs(t, err, ErrReservedKey)
	})
	t.Run("NotInitialized", func(t *testing.T) {
		_, err := Open(testTreePath(t))
		require.ErrorIs(t, err, ErrNotInitialized)
	})
	t.Run("InvalidOrder", func(t *testing.T) {
		tr := NewTree(Config{Path: testTreePath(t), Order: 1})
		require.ErrorIs(t, tr.Init(), ErrInvalidOrder)
	})
	t.Run("OrderMismatch", func(t *testing.T) {
		path := testTreePath(t)
		require.NoError(t, Bootstrap(path, 4))
		require.NoError(t, Bootstrap(path, 4))
		tr := NewTree(Config{Path: path, Order: 8})
		require.ErrorIs(t, tr.Init(), ErrInvalidOrder)
	})
	t.Run("BadMagic", func(t *testing.T) {
		path := testTreePath(t)
		require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0644))
		_, err := Open(path)
		require.ErrorIs(t, err, ErrBadMagic)
	})
	t.Run("BadChecksum", func(t *testing.T) {
		path := testTreePath(t)
		require.NoError(t, Bootstrap(path, 4))
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xff}, metaHeightOff)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = Open(path)
		require.ErrorIs(t, err, ErrBadChecksum)
	})
	t.Run("AllocFailure", func(t *testing.T) {
		tr := newTestTree(t, 2)
		for k := uint64(1); k <= 3; k++ {
			require.NoError(t, tr.Insert(k, []byte("v")))
		}
		before, err := tr.ReadMeta()
		require.NoError(t, err)
		root := readTestNode(t, tr, before.RootOffset)
		require.Equal(t, 2*tr.Order(), root.Count())

		// leave room for the record but not for a node page
		st, err := tr.sf.file.Stat()
		require.NoError(t, err)
		var old unix.Rlimit
		require.NoError(t, unix.Getrlimit(unix.RLIMIT_FSIZE, &old))
		signal.Ignore(syscall.SIGXFSZ)
		defer signal.Reset(syscall.SIGXFSZ)
		require.NoError(t, unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: uint64(st.Size()) + 64, Max: old.Max}))
		err = tr.Insert(4, []byte("v"))
		require.NoError(t, unix.Setrlimit(unix.RLIMIT_FSIZE, &old))
		require.ErrorIs(t, err, ErrAlloc)
		require.ErrorIs(t, err, syscall.EFBIG)

		after, err := tr.ReadMeta()
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.Equal(t, nodeKeys(root), nodeKeys(readTestNode(t, tr, after.RootOffset)))
		require.Equal(t, nodePtrs(root), nodePtrs(readTestNode(t, tr, after.RootOffset)))
		_, found, err := tr.Search(4)
		require.NoError(t, err)
		require.False(t, found)

		require.NoError(t, tr.Insert(4, []byte("v")))
		val, found, err := tr.Get(4)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("v"), val)
		report, err := tr.Check()
		require.NoError(t, err)
		require.Equal(t, 4, report.Keys)
	})
}

func TestTreeMoveRight(t *testing.T) {
	tr := newTestTree(t, 4)
	for k := uint64(1); k <= 9; k++ {
		require.NoError(t, tr.Insert(k, []byte("v")))
	}
	m, err := tr.ReadMeta()
	require.NoError(t, err)
	left := readTestNode(t, tr, m.RootOffset).ptr(0)
	leftNode := readTestNode(t, tr, left)
	right := leftNode.Link()
	require.NotZero(t, right)

	n, off, pinned, err := tr.moveRight(leftNode.MaxKey(), left)
	require.NoError(t, err)
	require.Equal(t, right, off)
	require.Equal(t, leftNode.MaxKey(), n.MinKey())
	require.True(t, tr.sf.latches.tryRLock(left, tr.latchLen()))
	tr.sf.latches.rUnlock(left, tr.latchLen())
	require.False(t, tr.sf.latches.tryRLock(right, tr.latchLen()))
	tr.unlockNode(off, n, pinned)

	n, off, pinned, err = tr.moveRight(1, left)
	require.NoError(t, err)
	require.Equal(t, left, off)
	tr.unlockNode(off, n, pinned)
}

func TestTreeRootPublish(t *testing.T) {
	tr := newTestTree(t, 4)
	m, err := tr.ReadMeta()
	require.NoError(t, err)

	done := make(chan Meta, 1)
	go func() {
		got, err := tr.awaitHeight(m.Height + 2)
		if err != nil {
			t.Error(err)
		}
		done <- got
	}()
	select {
	case <-done:
		t.Fatal("returned before the height was published")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, tr.meta.update(m.RootOffset, m.Height+2))
	got := <-done
	require.Equal(t, m.Height+2, got.Height)
	require.NoError(t, tr.meta.update(m.RootOffset, m.Height))
}

func TestTreeSync(t *testing.T) {
	tr := NewTree(Config{Path: testTreePath(t), Order: 4})
	require.NoError(t, tr.Init())
	defer func() {
		require.NoError(t, tr.Close())
	}()

	base := tr.Stat().Sync
	require.NoError(t, tr.Insert(1, []byte("v")))
	removed, err := tr.Remove(1)
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, tr.Insert(1, []byte("v")))
	require.Equal(t, base, tr.Stat().Sync)

	for k := uint64(2); k <= 9; k++ {
		require.NoError(t, tr.Insert(k, []byte("v")))
	}
	st := tr.Stat()
	require.Equal(t, uint64(1), st.RootSplit)
	require.Greater(t, st.Sync, base)
}
