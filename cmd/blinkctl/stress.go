package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/nyan233/blinktree"
)

// stressPayload derives a deterministic payload so verification needs no
// bookkeeping.
func stressPayload(key uint64, size int) []byte {
	p := bytes.Repeat([]byte{byte(key)}, size)
	return append(p, strconv.FormatUint(key, 10)...)
}

func runStress(tc blinktree.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	var (
		workers = fs.Int("workers", 8, "concurrent writers")
		keys    = fs.Uint64("keys", 100000, "keys to insert")
		size    = fs.Int("payload", 16, "payload padding bytes")
		seed    = fs.Uint64("seed", uint64(time.Now().UnixNano()), "key shuffle seed")
	)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *workers < 1 {
		return fmt.Errorf("%w: workers must be positive", errUsage)
	}
	if tc.Order == 0 {
		tc.Order = 64
	}
	t := blinktree.NewTree(tc)
	if err := t.Init(); err != nil {
		return err
	}
	defer t.Close()

	perm := rand.New(rand.NewPCG(*seed, *seed)).Perm(int(*keys))
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for i := w; i < len(perm); i += *workers {
				k := uint64(perm[i])
				if err := t.Insert(k, stressPayload(k, *size)); err != nil {
					return fmt.Errorf("insert %d: %w", k, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Fprintf(out, "inserted %s keys with %d workers in %s (%s ops/s)\n",
		humanize.Comma(int64(*keys)), *workers, elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(*keys)/elapsed.Seconds())))

	var vg errgroup.Group
	vg.SetLimit(*workers)
	for k := uint64(0); k < *keys; k++ {
		vg.Go(func() error {
			v, found, err := t.Get(k)
			if err != nil {
				return err
			}
			if !found || !bytes.Equal(v, stressPayload(k, *size)) {
				return fmt.Errorf("key %d lost or corrupted", k)
			}
			return nil
		})
	}
	if err := vg.Wait(); err != nil {
		return err
	}
	report, err := t.Check()
	if err != nil {
		return err
	}
	info, err := os.Stat(tc.Path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "verified: %s height=%d file=%s %+v\n", report.Meta, len(report.Levels),
		humanize.IBytes(uint64(info.Size())), t.Stat())
	return nil
}
