package blinktree

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type LevelReport struct {
	Level   uint32
	Nodes   int
	Entries int
}

type CheckReport struct {
	Meta       Meta
	Levels     []LevelReport
	Keys       int
	Tombstones int
}

// Check walks every level along the sibling chain and verifies the
// structural invariants of the tree. Results are only exact when no writer
// is active.
func (t *Tree) Check() (CheckReport, error) {
	var report CheckReport
	if err := t.checkOpen(); err != nil {
		return report, err
	}
	m, err := t.meta.read()
	if err != nil {
		return report, err
	}
	report.Meta = m
	err = t.walkLevels(m, func(level uint32, off int64, n node) error {
		if len(report.Levels) == 0 || report.Levels[len(report.Levels)-1].Level != level {
			report.Levels = append(report.Levels, LevelReport{Level: level})
		}
		lr := &report.Levels[len(report.Levels)-1]
		lr.Nodes++
		lr.Entries += n.Count()
		if !n.IsSafe() {
			return errors.Wrapf(ErrCorruptNode, "node %d holds %d entries", off, n.Count())
		}
		if n.Level() != level {
			return errors.Wrapf(ErrCorruptNode, "node %d at level %d, expected %d", off, n.Level(), level)
		}
		for i := 1; i < n.Count(); i++ {
			if n.key(i-1) >= n.key(i) {
				return errors.Wrapf(ErrCorruptNode, "node %d keys out of order at %d", off, i)
			}
		}
		if n.Link() == 0 && n.MaxKey() != KeyInf {
			return errors.Wrapf(ErrCorruptNode, "rightmost node %d has high key %d", off, n.MaxKey())
		}
		if !n.IsLeaf() {
			for i := 0; i < n.Count(); i++ {
				if n.ptr(i) == 0 {
					return errors.Wrapf(ErrCorruptNode, "node %d has a nil child at %d", off, i)
				}
			}
			return nil
		}
		for i := 0; i < n.Count()-1; i++ {
			if n.ptr(i) == 0 {
				report.Tombstones++
			} else {
				report.Keys++
			}
		}
		if n.ptr(n.Count()-1) != 0 {
			return errors.Wrapf(ErrCorruptNode, "leaf %d has no fence", off)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if uint64(len(report.Levels)) != m.Height {
		return report, errors.Wrapf(ErrCorruptNode, "height %d but %d levels", m.Height, len(report.Levels))
	}
	return report, nil
}

// walkLevels visits every node from the root level down, left to right.
func (t *Tree) walkLevels(m Meta, fn func(level uint32, off int64, n node) error) error {
	root, release, err := t.readNode(m.RootOffset)
	if err != nil {
		return err
	}
	n := root.clone()
	release()
	level := n.Level()
	leftmost := m.RootOffset
	for {
		var (
			next  int64
			prev  uint64
			first = true
		)
		for off := leftmost; off != 0; off = next {
			cur, release, err := t.readNode(off)
			if err != nil {
				return err
			}
			n := cur.clone()
			release()
			if !first && n.MinKey() < prev {
				return errors.Wrapf(ErrCorruptNode, "node %d starts below its left sibling's high key", off)
			}
			if err = fn(level, off, n); err != nil {
				return err
			}
			if first && !n.IsLeaf() {
				leftmost = n.ptr(0)
			}
			first, prev, next = false, n.MaxKey(), n.Link()
		}
		if level == 0 {
			return nil
		}
		level--
	}
}

// Dump prints every node level by level.
func (t *Tree) Dump(w io.Writer) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	m, err := t.meta.read()
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(w, "meta %s\n", m); err != nil {
		return err
	}
	return t.walkLevels(m, func(level uint32, off int64, n node) error {
		kind := "inner"
		if n.IsLeaf() {
			kind = "leaf"
		}
		if _, err := fmt.Fprintf(w, "L%d %s @%d count=%d link=%d [", level, kind, off, n.Count(), n.Link()); err != nil {
			return err
		}
		for i := 0; i < n.Count(); i++ {
			sep := " "
			if i == 0 {
				sep = ""
			}
			k := fmt.Sprint(n.key(i))
			if n.key(i) == KeyInf {
				k = "inf"
			}
			if _, err := fmt.Fprintf(w, "%s%s:%d", sep, k, n.ptr(i)); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(w, "]")
		return err
	})
}
