package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/nyan233/blinktree"
	"github.com/nyan233/blinktree/internal/config"
)

const usageText = `usage: blinkctl [flags] <command> [args]

commands:
  init                  create the tree file (requires -order)
  put <key> <value>     bind key to value
  get <key>             print the value bound to key
  del <key>             unbind key
  meta                  print the header record
  dump                  print every node
  check                 verify the tree structure
  scan [from] [limit]   print live keys in order
  stat                  print handle counters
  stress [flags]        concurrent insert workload
  repl                  interactive shell

flags:
`

var errUsage = errors.New("bad usage")

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}
}

func main() {
	fs := flag.NewFlagSet("blinkctl", flag.ExitOnError)
	fs.Usage = usage(fs)
	cfg, args, err := loadEffectiveConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "blinkctl: %v\n", err)
		os.Exit(2)
	}
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}
	if err = run(cfg, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "blinkctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config, args []string, out io.Writer) (err error) {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	tc, err := cfg.TreeConfig(logger)
	if err != nil {
		return err
	}
	switch args[0] {
	case "init":
		if tc.Order == 0 {
			return fmt.Errorf("%w: init requires -order", errUsage)
		}
	case "stress":
		return runStress(tc, args[1:], out)
	}
	t := blinktree.NewTree(tc)
	if err = t.Init(); err != nil {
		return err
	}
	defer func() {
		if closeErr := t.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	switch args[0] {
	case "init":
		return execute(t, []string{"meta"}, out)
	case "repl":
		return runREPL(t, cfg.Path, out)
	default:
		return execute(t, args, out)
	}
}

func parseKey(s string) (uint64, error) {
	k, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key %q", errUsage, s)
	}
	return k, nil
}

func needArgs(args []string, n int) error {
	if len(args) != n+1 {
		return fmt.Errorf("%w: %s takes %d argument(s)", errUsage, args[0], n)
	}
	return nil
}

// execute runs one command against an open tree. It backs both the one-shot
// command line and the repl.
func execute(t *blinktree.Tree, args []string, out io.Writer) error {
	switch args[0] {
	case "put":
		if err := needArgs(args, 2); err != nil {
			return err
		}
		k, err := parseKey(args[1])
		if err != nil {
			return err
		}
		return t.Insert(k, []byte(args[2]))
	case "get":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		k, err := parseKey(args[1])
		if err != nil {
			return err
		}
		v, found, err := t.Get(k)
		if err != nil {
			return err
		}
		if !found {
			_, err = fmt.Fprintln(out, "(not found)")
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", v)
		return err
	case "del":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		k, err := parseKey(args[1])
		if err != nil {
			return err
		}
		removed, err := t.Remove(k)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, removed)
		return err
	case "meta":
		m, err := t.ReadMeta()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, m)
		return err
	case "dump":
		return t.Dump(out)
	case "check":
		report, err := t.Check()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\nkeys=%s tombstones=%s\n", report.Meta,
			humanize.Comma(int64(report.Keys)), humanize.Comma(int64(report.Tombstones)))
		for _, lr := range report.Levels {
			fmt.Fprintf(out, "level %d: nodes=%s entries=%s\n", lr.Level,
				humanize.Comma(int64(lr.Nodes)), humanize.Comma(int64(lr.Entries)))
		}
		return nil
	case "scan":
		return scan(t, args[1:], out)
	case "stat":
		_, err := fmt.Fprintf(out, "%+v\n", t.Stat())
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func scan(t *blinktree.Tree, args []string, out io.Writer) error {
	var (
		from  uint64
		limit = -1
		err   error
	)
	if len(args) > 0 {
		if from, err = parseKey(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if limit, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("%w: bad limit %q", errUsage, args[1])
		}
	}
	c := t.NewCursor()
	for ok := c.Seek(from); ok && limit != 0; ok = c.Next() {
		v, err := c.Value()
		if err != nil {
			return err
		}
		if _, err = fmt.Fprintf(out, "%d\t%s\n", c.Key(), v); err != nil {
			return err
		}
		limit--
	}
	return c.Err()
}
