package blinktree

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	helperPathEnv  = "BLINKTREE_HELPER_PATH"
	helperRangeEnv = "BLINKTREE_HELPER_RANGE"
)

// TestHelperProcess is the body of a writer process spawned by
// TestMultiProcess. It does nothing in a normal test run.
func TestHelperProcess(t *testing.T) {
	path := os.Getenv(helperPathEnv)
	if path == "" {
		return
	}
	var start, step, end int
	_, err := fmt.Sscanf(os.Getenv(helperRangeEnv), "%d:%d:%d", &start, &step, &end)
	require.NoError(t, err)
	tr := NewTree(Config{Path: path, NoSync: true})
	require.NoError(t, tr.Init())
	defer tr.Close()
	for k := start; k < end; k += step {
		require.NoError(t, tr.Insert(uint64(k), []byte(strconv.Itoa(k))))
		if k%3 == 0 {
			_, found, err := tr.Search(uint64(k))
			require.NoError(t, err)
			require.True(t, found)
		}
	}
}

func TestMultiProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns writer processes")
	}
	const (
		procs   = 4
		perProc = 600
	)
	path := testTreePath(t)
	require.NoError(t, Bootstrap(path, 4))

	var g errgroup.Group
	for p := 0; p < procs; p++ {
		g.Go(func() error {
			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "-test.count=1")
			cmd.Env = append(os.Environ(),
				helperPathEnv+"="+path,
				fmt.Sprintf("%s=%d:%d:%d", helperRangeEnv, p, procs, procs*perProc),
			)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("writer %d: %v\n%s", p, err, out)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	tr, err := Open(path)
	require.NoError(t, err)
	defer tr.Close()
	for k := 0; k < procs*perProc; k++ {
		v, found, err := tr.Get(uint64(k))
		require.NoError(t, err)
		require.True(t, found, k)
		require.Equal(t, strconv.Itoa(k), string(v))
	}
	report, err := tr.Check()
	require.NoError(t, err)
	require.Equal(t, procs*perProc, report.Keys)
}
